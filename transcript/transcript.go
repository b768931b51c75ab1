package transcript

import (
	"strings"
	"sync"
	"time"
)

// Update is delivered to subscribers after a quiet period: the segment
// of text accumulated since the previous delivery, plus the full
// transcript so far.
type Update struct {
	Segment string
	Text    string
}

// Accumulator holds the evolving transcript. Append is the single
// mutator and is called only from the protocol event loop; subscribers
// observe quiesced segments through buffered channels. The text only
// grows during a session.
type Accumulator struct {
	mu      sync.Mutex
	text    strings.Builder
	segment strings.Builder
	subs    []chan Update
	quiet   time.Duration
	timer   *time.Timer
	closed  bool
}

const subscriberBuffer = 16

func NewAccumulator(quiet time.Duration) *Accumulator {
	return &Accumulator{quiet: quiet}
}

// Append adds a fragment to the transcript and restarts the quiet-period
// timer. Once the timer fires without further appends, the pending
// segment is delivered to every subscriber.
func (a *Accumulator) Append(fragment string) {
	if fragment == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	a.text.WriteString(fragment)
	a.segment.WriteString(fragment)

	if a.timer != nil {
		a.timer.Stop()
	}
	if a.quiet > 0 {
		a.timer = time.AfterFunc(a.quiet, a.Flush)
	}
}

// Flush delivers the pending segment immediately, if there is one.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
}

func (a *Accumulator) flushLocked() {
	if a.closed || a.segment.Len() == 0 {
		return
	}

	update := Update{
		Segment: a.segment.String(),
		Text:    a.text.String(),
	}
	a.segment.Reset()

	for _, sub := range a.subs {
		// A slow subscriber misses intermediate segments rather than
		// blocking the event loop.
		select {
		case sub <- update:
		default:
		}
	}
}

// Subscribe returns a channel of quiesced segments. The channel is
// closed by Close.
func (a *Accumulator) Subscribe() <-chan Update {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub := make(chan Update, subscriberBuffer)
	if a.closed {
		close(sub)
		return sub
	}
	a.subs = append(a.subs, sub)
	return sub
}

// Text returns the full transcript accumulated so far.
func (a *Accumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text.String()
}

// Close flushes the pending segment and closes all subscriber channels.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	if a.timer != nil {
		a.timer.Stop()
	}
	a.flushLocked()
	a.closed = true
	for _, sub := range a.subs {
		close(sub)
	}
	a.subs = nil
}
