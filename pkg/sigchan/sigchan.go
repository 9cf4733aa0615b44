package sigchan

// Chan is a non-blocking notification channel. It signals that an event
// happened without carrying data; emits on a full channel are dropped.
type Chan struct {
	c chan struct{}
}

// New creates a signal channel with the given buffer size.
func New(bufferSize int) *Chan {
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit sends a signal without blocking.
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C returns the underlying channel for use in select.
func (c *Chan) C() <-chan struct{} {
	return c.c
}
