package monitor

import "errors"

var (
	// ErrConfiguration is returned by New when the monitor cannot be built.
	ErrConfiguration = errors.New("early stopping configuration")
	// ErrMetricMismatch is returned by Evaluate when the supplied metric
	// names do not match the configured set.
	ErrMetricMismatch = errors.New("metric mismatch")
)
