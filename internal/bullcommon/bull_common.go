// Package bullcommon contains constants and helpers shared between the public
// packages and the internal ones.
package bullcommon

import "time"

const (
	// PrefixDefault is the prefix prepended to every key when one isn't
	// configured.
	PrefixDefault = "bull"

	// LockDurationDefault is how long a worker's lock on a job lasts before
	// it has to be extended.
	LockDurationDefault = 30 * time.Second

	// MaxStalledCountDefault is the number of times a job may be recovered
	// from a stall before it's failed instead.
	MaxStalledCountDefault = 1

	// StalledIntervalDefault is how often stalled job checks run.
	StalledIntervalDefault = 30 * time.Second

	// MaxEventsLenDefault is the approximate length that a queue's event
	// stream is trimmed to.
	MaxEventsLenDefault = 10_000

	// MetricsGranularityDefault is the width of a metrics data point.
	MetricsGranularityDefault = time.Minute
)
