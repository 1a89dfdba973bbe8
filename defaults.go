package nearcache

import "time"

const (
	defaultSweep = 5 * time.Minute

	// one CAS attempt plus one re-evaluation; losers never spin
	maxInstallAttempts = 2
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
