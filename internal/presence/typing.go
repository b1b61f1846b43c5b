// Package presence tracks the local user's typing state per conversation and
// debounces it down to at most one flag flip per edge. The conversation
// document's typingUsers map is ephemeral state — a lost clear is repaired by
// the next keystroke cycle, so writes are fire-and-forget.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/bep/debounce"
)

// DefaultInactivityWindow is how long after the last keystroke the typing
// flag is cleared.
const DefaultInactivityWindow = 4 * time.Second

// Writer is the one operation presence needs from the messaging service.
type Writer interface {
	SetTypingStatus(ctx context.Context, convID, userID string, typing bool) error
}

// Tracker debounces keystroke notifications for one local user.
type Tracker struct {
	w      Writer
	userID string
	window time.Duration

	mu      sync.Mutex
	convs   map[string]*convState
	stopped bool
}

type convState struct {
	active  bool
	clearFn func(f func()) // debounced trailing-edge scheduler
}

// NewTracker creates a typing tracker for userID. window <= 0 selects the
// default inactivity window.
func NewTracker(w Writer, userID string, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultInactivityWindow
	}
	return &Tracker{
		w:      w,
		userID: userID,
		window: window,
		convs:  make(map[string]*convState),
	}
}

// Typing records a keystroke in convID. The first keystroke writes the flag
// immediately (leading edge); the clear fires once the window elapses with no
// further keystrokes (trailing edge). Intermediate keystrokes produce no
// writes at all.
func (t *Tracker) Typing(convID string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	cs, ok := t.convs[convID]
	if !ok {
		cs = &convState{clearFn: debounce.New(t.window)}
		t.convs[convID] = cs
	}
	leading := !cs.active
	cs.active = true
	t.mu.Unlock()

	if leading {
		t.write(convID, true)
	}
	cs.clearFn(func() { t.clear(convID) })
}

// clear is the trailing edge: flips the flag off if still active.
func (t *Tracker) clear(convID string) {
	t.mu.Lock()
	cs, ok := t.convs[convID]
	if !ok || !cs.active {
		t.mu.Unlock()
		return
	}
	cs.active = false
	t.mu.Unlock()

	t.write(convID, false)
}

// Stop clears every still-active flag and rejects further keystrokes.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	var active []string
	for convID, cs := range t.convs {
		if cs.active {
			cs.active = false
			active = append(active, convID)
		}
	}
	t.mu.Unlock()

	for _, convID := range active {
		t.write(convID, false)
	}
}

func (t *Tracker) write(convID string, typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.w.SetTypingStatus(ctx, convID, t.userID, typing); err != nil {
		log.Printf("PRESENCE: typing=%v write failed for %s: %v", typing, convID, err)
	}
}
