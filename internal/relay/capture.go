package relay

import "bytes"

// capture keeps the head and the tail of a streamed body within a fixed
// budget. Token usage lives at the start of JSON bodies (model) and at the
// end of streams (final usage events), so the middle is what gets dropped.
type capture struct {
	head     bytes.Buffer
	tail     []byte
	headCap  int
	tailCap  int
	dropped  bool
	disabled bool
}

func newCapture(limit int64) *capture {
	if limit <= 0 {
		return &capture{disabled: true}
	}
	half := int(limit / 2)
	return &capture{headCap: int(limit) - half, tailCap: half}
}

func (c *capture) Write(p []byte) (int, error) {
	if c.disabled {
		return len(p), nil
	}
	n := len(p)
	if room := c.headCap - c.head.Len(); room > 0 {
		if room >= len(p) {
			c.head.Write(p)
			return n, nil
		}
		c.head.Write(p[:room])
		p = p[room:]
	}
	if c.tailCap == 0 {
		c.dropped = true
		return n, nil
	}
	c.tail = append(c.tail, p...)
	if over := len(c.tail) - c.tailCap; over > 0 {
		c.dropped = true
		c.tail = append(c.tail[:0], c.tail[over:]...)
	}
	return n, nil
}

// Bytes returns head and tail joined. When bytes were dropped a newline is
// inserted so line-oriented parsers resynchronise on the next event.
func (c *capture) Bytes() []byte {
	if c.disabled {
		return nil
	}
	out := make([]byte, 0, c.head.Len()+len(c.tail)+1)
	out = append(out, c.head.Bytes()...)
	if c.dropped && len(c.tail) > 0 {
		out = append(out, '\n')
	}
	return append(out, c.tail...)
}

// truncated reports whether the middle of the body was discarded.
func (c *capture) truncated() bool {
	return c.dropped
}
