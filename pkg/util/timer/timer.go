package timer

import "time"

// StopTimer stops the timer and drains its channel if the timer already fired,
// so the timer can be safely reset afterwards.
func StopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// ResetTimer stops the timer, drains its channel if needed and resets it to
// the given duration.
func ResetTimer(t *time.Timer, d time.Duration) {
	StopTimer(t)
	t.Reset(d)
}
