package util

import "testing"

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{200 * 1024, " 0.2 MiB"},
	}

	for _, tc := range testCases {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if got := FormatBytes(tc.in); len(got) != 8 {
			t.Errorf("FormatBytes(%v) has width %d, want 8", tc.in, len(got))
		}
	}
}

func TestFormatThroughput(t *testing.T) {
	got := FormatThroughput(200, 1024)
	want := "  200 msg/s | " + FormatBytes(200*1024) + "/s"
	if got != want {
		t.Errorf("FormatThroughput = %q, want %q", got, want)
	}
}
