package rts

import (
	"context"
	"errors"
	"log/slog"

	"loom/internal/logging"
	"loom/internal/staging"
	"loom/internal/state"
)

var (
	// ErrCapacity is returned when a unit asks for more cores than the pool has.
	ErrCapacity = errors.New("unit exceeds pool capacity")
	// ErrPoolClosed is returned by Submit after Close or walltime expiry.
	ErrPoolClosed = errors.New("pool closed")
	// ErrDuplicateUnit is returned when a unit id is submitted twice.
	ErrDuplicateUnit = errors.New("unit already submitted")
)

// Unit is one executable request. Relative staging paths are resolved by the
// pool: input targets and output sources against the unit sandbox, copy and
// link sources and copy-output targets against the shared directory, upload
// sources and download targets against the client working directory.
type Unit struct {
	UID        string
	Name       string
	Executable string
	Arguments  []string
	Cores      int
	PreExec    []string
	Inputs     []staging.Transfer
	Outputs    []staging.Transfer
}

// Result is the final outcome of a unit. ExitCode is nil unless the
// executable ran and its outputs were staged.
type Result struct {
	UID      string
	State    state.State
	ExitCode *int
	Path     string
	Err      error
}

// Callback receives a unit's Result exactly once.
type Callback func(Result)

// Pool executes units.
type Pool interface {
	// Submit accepts u without waiting for it to run.
	Submit(ctx context.Context, u Unit, cb Callback) error
	// SharedDir is the directory $SHARED references resolve to.
	SharedDir() string
	// Close stops accepting units, cancels running ones, and waits for their
	// callbacks until ctx is done.
	Close(ctx context.Context) error
}

// NewPool builds the pool serving desc.
func NewPool(desc Description, opts LocalOptions) (Pool, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	pool, err := NewLocalPool(desc, opts)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return logging.NewNop()
}
