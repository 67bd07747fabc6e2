// Package clock holds the pure chess clock arithmetic used by the lobby coordinator.
//
// The stored remaining time is a checkpoint taken at the last move. The live value
// for the side to move is always derived at read time from lastMoveTime.
package clock

import (
	"time"

	"github.com/park285/cheese-lobby/internal/domain"
)

// Remaining is the per-color remaining time in milliseconds.
type Remaining struct {
	W int64 `json:"w"`
	B int64 `json:"b"`
}

func (r Remaining) Of(c domain.Color) int64 {
	if c == domain.Black {
		return r.B
	}
	return r.W
}

func (r Remaining) With(c domain.Color, ms int64) Remaining {
	if c == domain.Black {
		r.B = ms
	} else {
		r.W = ms
	}
	return r
}

// State is the persisted clock. LastMoveTime stays nil until the second ply.
type State struct {
	TimeRemainingMs Remaining  `json:"timeRemainingMs"`
	LastMoveTime    *time.Time `json:"lastMoveTime"`
	IncrementMs     int64      `json:"incrementMs"`
}

// New returns a fresh clock for tc with the clock not yet running.
func New(tc domain.TimeControl) State {
	return State{
		TimeRemainingMs: Remaining{W: tc.InitialMs, B: tc.InitialMs},
		IncrementMs:     tc.IncrementMs,
	}
}

// Started reports whether the clock is running.
func (s State) Started() bool { return s.LastMoveTime != nil }

// CurrentTimeRemaining subtracts the wall time elapsed since lastMoveTime.
// The result is not clamped so callers can detect a flag on the exact boundary.
func CurrentTimeRemaining(now time.Time, lastMoveTime *time.Time, remainingMs int64) int64 {
	if lastMoveTime == nil {
		return remainingMs
	}
	return remainingMs - now.Sub(*lastMoveTime).Milliseconds()
}

// Live returns the true remaining time for color at now, assuming color is to move.
func Live(s State, color domain.Color, now time.Time) int64 {
	return CurrentTimeRemaining(now, s.LastMoveTime, s.TimeRemainingMs.Of(color))
}

// Deadline is the time left for color before it flags, clamped at zero.
func Deadline(s State, color domain.Color, now time.Time) time.Duration {
	ms := Live(s, color, now)
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Switch checkpoints the mover: max(T-elapsed, 0) + increment, and restarts the
// clock at moveReceived. The opponent's value is untouched and s is not modified.
func Switch(s State, moveReceived time.Time, activeColor domain.Color) State {
	left := CurrentTimeRemaining(moveReceived, s.LastMoveTime, s.TimeRemainingMs.Of(activeColor))
	if left < 0 {
		left = 0
	}
	at := moveReceived
	return State{
		TimeRemainingMs: s.TimeRemainingMs.With(activeColor, left+s.IncrementMs),
		LastMoveTime:    &at,
		IncrementMs:     s.IncrementMs,
	}
}

// Flag zeroes color's remaining time, used when a side runs out.
func Flag(s State, color domain.Color) State {
	out := s
	out.TimeRemainingMs = s.TimeRemainingMs.With(color, 0)
	if s.LastMoveTime != nil {
		at := *s.LastMoveTime
		out.LastMoveTime = &at
	}
	return out
}

// Snapshot returns a copy with the side to move's remaining time brought up to now,
// for display. The checkpoint semantics of the stored value are not changed.
func Snapshot(s State, toMove domain.Color, now time.Time) Remaining {
	if !s.Started() || !toMove.Valid() {
		return s.TimeRemainingMs
	}
	ms := Live(s, toMove, now)
	if ms < 0 {
		ms = 0
	}
	return s.TimeRemainingMs.With(toMove, ms)
}
