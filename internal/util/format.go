package util

import "fmt"

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B", " 1.5 KiB", "98.9 GiB".
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// FormatThroughput renders a message rate together with the byte rate it
// implies for messages of msgSize bytes.
func FormatThroughput(mps int, msgSize int) string {
	return fmt.Sprintf("%5d msg/s | %s/s", mps, FormatBytes(float64(mps)*float64(msgSize)))
}
