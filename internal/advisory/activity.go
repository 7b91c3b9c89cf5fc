package advisory

import "time"

// Activity tracks whether a participant is editing. Observe records a
// content-mutating input; Editing reports whether the last one is still inside
// the inactivity window. The zero value never reports editing.
type Activity struct {
	window    time.Duration
	lastInput time.Time
}

func NewActivity(window time.Duration) Activity {
	return Activity{window: window}
}

func (a *Activity) Observe(now time.Time) {
	if now.After(a.lastInput) {
		a.lastInput = now
	}
}

func (a Activity) Editing(now time.Time) bool {
	if a.lastInput.IsZero() || a.window <= 0 {
		return false
	}
	return now.Sub(a.lastInput) < a.window
}
