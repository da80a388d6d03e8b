package subscriptions

// Metrics observes subscription activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	SessionStarted()
	SessionEnded(final State)
	PageDelivered(items int)
	ObserveResume(ok bool)
	ObserveOutOfSync(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) SessionStarted()      {}
func (NopMetrics) SessionEnded(State)   {}
func (NopMetrics) PageDelivered(int)    {}
func (NopMetrics) ObserveResume(bool)   {}
func (NopMetrics) ObserveOutOfSync(int) {}
