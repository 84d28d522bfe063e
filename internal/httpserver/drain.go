package httpserver

import "sync/atomic"

var draining atomic.Bool

// SetDraining marks the process as shutting down, so /health starts
// reporting unavailable before the detection loop actually exits.
func SetDraining(on bool) { draining.Store(on) }

// IsDraining reports the current drain flag.
func IsDraining() bool { return draining.Load() }
