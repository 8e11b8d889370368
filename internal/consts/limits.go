package consts

import "time"

// Buffer sizes for wire I/O
const (
	// BufferSize1KB is 1 kilobyte
	BufferSize1KB = 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
	// MaxFrameSize caps a single newline-delimited JSON frame
	MaxFrameSize = 10 * 1024 * 1024
)

// Queue capacities
const (
	// DefaultEventBufferSize is the per-subscriber event buffer capacity
	DefaultEventBufferSize = 64
	// DefaultLifecycleQueueSize is the capacity of the client-scoped notification queue
	DefaultLifecycleQueueSize = 256
	// DefaultCallbackWorkers bounds concurrent callback bridge executions
	DefaultCallbackWorkers = 8
)

// Timeouts for runtime operations
const (
	// Timeout1Second is a 1 second timeout
	Timeout1Second = 1 * time.Second
	// Timeout2Seconds is a 2 second timeout
	Timeout2Seconds = 2 * time.Second
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout30Seconds is a 30 second timeout
	Timeout30Seconds = 30 * time.Second
	// Timeout60Seconds is a 60 second timeout (1 minute)
	Timeout60Seconds = 60 * time.Second
)

// Defaults for the supervisor and connection state machine
const (
	// DefaultConnectTimeout bounds spawn plus handshake
	DefaultConnectTimeout = Timeout10Seconds
	// DefaultRequestTimeout is the default deadline for one outbound call
	DefaultRequestTimeout = Timeout30Seconds
	// DefaultDestroyTimeout bounds the best-effort session.destroy notify
	DefaultDestroyTimeout = Timeout2Seconds
	// DefaultToolCallTimeout bounds one tool handler execution
	DefaultToolCallTimeout = Timeout60Seconds
	// DefaultTerminateGrace is how long a SIGTERM may take before SIGKILL
	DefaultTerminateGrace = Timeout5Seconds
	// DefaultPortAwaitTimeout bounds the wait for the agent's port announcement
	DefaultPortAwaitTimeout = Timeout10Seconds
)

// Restart policy limits
const (
	// DefaultMaxRestartAttempts is the default cap on automatic restarts
	DefaultMaxRestartAttempts = 5
	// DefaultRestartDelay is the initial delay before a restart attempt
	DefaultRestartDelay = Timeout1Second
	// DefaultRestartMaxDelay caps the exponential restart backoff
	DefaultRestartMaxDelay = Timeout30Seconds
)
