package session

// Update is one periodic metrics report for a lane.
type Update struct {
	Label string
	// Total is the last sequence id sent (sender) or seen (receiver).
	Total uint64
	// MPS is the configured rate for a sender, the measured rate for a receiver.
	MPS     int
	Sending bool
}

// Observer receives the session's notifications. Calls are made from the
// session's event loop and must not block.
type Observer interface {
	OnReady()
	OnDisconnect(err error)
	OnChannelOpen(label string)
	OnChannelClose(label string)
	OnMetrics(u Update)
	OnBackpressure(label string, sent int)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnReady()                   {}
func (NopObserver) OnDisconnect(error)         {}
func (NopObserver) OnChannelOpen(string)       {}
func (NopObserver) OnChannelClose(string)      {}
func (NopObserver) OnMetrics(Update)           {}
func (NopObserver) OnBackpressure(string, int) {}
