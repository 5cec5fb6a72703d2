package realtime

// Stats is a point-in-time view of a Session.
type Stats struct {
	State                 string         `json:"state"`
	LastError             string         `json:"last_error,omitempty"`
	ActiveSubscriptions   int            `json:"active_subscriptions"`
	InactiveSubscriptions int            `json:"inactive_subscriptions"`
	Topics                map[string]int `json:"topics"`
	FramesDispatched      uint64         `json:"frames_dispatched"`
	FramesDropped         uint64         `json:"frames_dropped"`
	FramesInvalid         uint64         `json:"frames_invalid"`
	FramesOverflow        uint64         `json:"frames_overflow"`
	HandlerFailures       uint64         `json:"handler_failures"`
	Published             uint64         `json:"published"`
	PublishFailures       uint64         `json:"publish_failures"`
	OutboxSize            int            `json:"outbox_size"`
	OutboxDropped         uint64         `json:"outbox_dropped"`
	Reconnects            uint64         `json:"reconnects"`
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{State: s.state.String()}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	st.ActiveSubscriptions, st.InactiveSubscriptions = s.registry.counts()
	st.Topics = s.registry.topics()

	c := &s.dispatcher.counters
	st.FramesDispatched = c.dispatched.Load()
	st.FramesDropped = c.dropped.Load()
	st.FramesInvalid = c.invalid.Load()
	st.FramesOverflow = c.overflow.Load()
	st.HandlerFailures = c.failed.Load()

	st.Published = s.published.Load()
	st.PublishFailures = s.pubFailed.Load()
	st.OutboxSize = s.outbox.len()
	if s.outbox != nil {
		st.OutboxDropped = s.outbox.dropped.Load()
	}
	st.Reconnects = s.reconnects.Load()
	return st
}

// Ready reports whether the session is Connected.
func (s *Session) Ready() bool {
	return s.State() == StateConnected
}

// Status returns Stats for the status endpoint.
func (s *Session) Status() any {
	return s.Stats()
}
