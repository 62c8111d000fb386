package chat

import (
	"sync"
	"time"
)

// DefaultTypingDecay is how long after the last keystroke the typing
// indicator stays up.
const DefaultTypingDecay = 5 * time.Second

// TypingMonitor debounces the local user's typing signal for one
// conversation. Non-empty input publishes "typing here"; the signal
// clears when input empties, when the decay timer fires, or on Stop.
// Publish failures are swallowed: the indicator is advisory.
type TypingMonitor struct {
	decay   time.Duration
	publish func(typing bool)

	mu     sync.Mutex
	timer  *time.Timer
	active bool
}

// NewTypingMonitor builds a monitor publishing through publish. A zero
// decay falls back to DefaultTypingDecay.
func NewTypingMonitor(decay time.Duration, publish func(typing bool)) *TypingMonitor {
	if decay <= 0 {
		decay = DefaultTypingDecay
	}
	return &TypingMonitor{decay: decay, publish: publish}
}

// InputChanged reacts to the draft text changing. Repeated keystrokes
// re-arm the decay timer rather than republishing.
func (t *TypingMonitor) InputChanged(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if text == "" {
		t.clearLocked()
		return
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.decay, t.expire)

	if !t.active {
		t.active = true
		t.publish(true)
	}
}

// Stop clears the indicator and cancels the timer. Called on room close
// so a dangling "typing" never outlives the session.
func (t *TypingMonitor) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

func (t *TypingMonitor) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

func (t *TypingMonitor) clearLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.active {
		t.active = false
		t.publish(false)
	}
}
