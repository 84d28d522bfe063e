// Package window implements the detection engine's time-window cursor: a
// monotonically advancing civil timestamp that drives CDR retrieval one
// fixed-width slice at a time.
package window

import "time"

// Mode selects whether the clock terminates at an end cursor (offline,
// replaying historical CDRs) or runs indefinitely (online, pacing itself
// against wall-clock time).
type Mode int

const (
	Online Mode = iota
	Offline
)

// Result is what Advance returns: whether the stream should continue or
// has been exhausted.
type Result int

const (
	Continue Result = iota
	Done
)

// Clock holds the current window cursor, the window width, and (in
// offline mode) the end cursor. The window starting at the end cursor is
// still processed; the stream terminates once the cursor passes it.
type Clock struct {
	cursor   time.Time
	previous time.Time
	delta    time.Duration
	end      time.Time // zero value means "no end" (online mode)
	mode     Mode
}

// New builds a Clock. delta is the window width; end is only consulted in
// offline mode.
func New(mode Mode, delta time.Duration, end time.Time) *Clock {
	return &Clock{delta: delta, end: end, mode: mode}
}

// Initialize sets the cursor to start and the previous cursor to the same
// value, so the first Peek/Advance pair behaves sensibly before any window
// has actually elapsed.
func (c *Clock) Initialize(start time.Time) {
	c.cursor = start
	c.previous = start
}

// Peek returns the current window cursor.
func (c *Clock) Peek() time.Time { return c.cursor }

// Previous returns the cursor value as of just before the last Advance,
// the timestamp that labels the window whose verdict was just decided.
func (c *Clock) Previous() time.Time { return c.previous }

// Snap forces the cursor to ts, used for the one-shot detect_start_ts
// override. It does not touch Previous.
func (c *Clock) Snap(ts time.Time) { c.cursor = ts }

// Advance moves the cursor forward by delta using calendar arithmetic
// (time.Time.Add handles minute/hour/day rollover and DST as a local-time
// wall-clock advance). It returns Done once the offline end cursor has
// been passed; online clocks never report Done.
func (c *Clock) Advance() Result {
	c.previous = c.cursor
	c.cursor = c.cursor.Add(c.delta)

	if c.mode == Offline && c.cursor.After(c.end) {
		return Done
	}
	return Continue
}

// Delta returns the configured window width.
func (c *Clock) Delta() time.Duration { return c.delta }

// Mode returns the clock's run mode.
func (c *Clock) Mode() Mode { return c.mode }
