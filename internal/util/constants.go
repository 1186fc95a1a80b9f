// Package util provides common constants and helpers shared across tunnelsub.
// It imports no other internal/* packages so every layer can depend on it.
package util

import "time"

const (
	// DefaultDiscoveryTimeout bounds how long a provider process may take to
	// print its public URL before it is killed.
	DefaultDiscoveryTimeout = 10 * time.Second

	// DiscoveryPollInterval is the tick of the supervisor's wait loop. It is
	// short enough that a timeout is observed promptly.
	DiscoveryPollInterval = 100 * time.Millisecond

	// TerminateGrace is how long Terminate waits after SIGTERM before it
	// escalates to SIGKILL.
	TerminateGrace = 5 * time.Second

	// CheckTimeout bounds each command-running provider check.
	CheckTimeout = 5 * time.Second

	// LogBufferLines caps the per-process output kept for diagnostics.
	LogBufferLines = 500

	// LogTailLines is how many buffered lines accompany a start failure.
	LogTailLines = 20

	// DefaultWorkers bounds concurrent tunnel starts during bulk resets.
	DefaultWorkers = 4

	// DefaultRefreshSeconds is the dashboard and subscription-file refresh
	// interval used when the configured value is missing or invalid.
	DefaultRefreshSeconds = 3

	// JobGrace is the misfire window handed to the scheduler for keepalive
	// and expiry jobs.
	JobGrace = 30 * time.Second
)
