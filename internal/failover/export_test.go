package failover

// flush waits until the session goroutine has handled every event posted
// before the call.
func (c *Controller) flush() {
	c.mu.RLock()
	s := c.sess
	c.mu.RUnlock()
	if s == nil {
		return
	}
	ack := make(chan struct{})
	s.post(event{kind: evSync, ack: ack})
	select {
	case <-ack:
	case <-s.done:
	}
}
