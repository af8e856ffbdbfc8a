package appmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"loom/internal/channel"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/rts"
	"loom/internal/services"
)

const component = "appmanager"

var (
	// ErrRunFailed wraps the cause of a run that ended on an engine error.
	ErrRunFailed = errors.New("workflow run failed")
	// ErrNoWorkflow is returned by Run before AssignWorkflow.
	ErrNoWorkflow = errors.New("no workflow assigned")
	// ErrLocked is returned when another run holds the state directory.
	ErrLocked = errors.New("another loom run holds the state directory lock")
)

// Options customize a Manager. Zero values use the configuration.
type Options struct {
	Logger *slog.Logger
	// Name labels the run record, usually the manifest name.
	Name string
	// Resource overrides the [resource] section of the configuration.
	Resource *rts.Description
	// Pool and Broker replace the ones built from configuration. The manager
	// closes whatever it uses.
	Pool   rts.Pool
	Broker channel.Broker
	// RunID fixes the run id instead of generating one.
	RunID string
}

// Manager runs one workflow at a time.
type Manager struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	wf      *pipeline.Workflow
	running bool
}

// New validates cfg and returns an idle manager.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("appmanager: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, component, "validate config", "", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		opts:   opts,
		logger: logging.ForComponent(logger, component, cfg.Logging.ComponentOverrides),
	}, nil
}

// AssignWorkflow validates wf and freezes its membership. It becomes the
// canonical workflow of the next Run.
func (m *Manager) AssignWorkflow(wf *pipeline.Workflow) error {
	if wf == nil {
		return ErrNoWorkflow
	}
	if err := wf.Validate(); err != nil {
		return services.Wrap(services.ErrValidation, component, "assign workflow", "", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("appmanager: cannot assign a workflow while running")
	}
	wf.Freeze()
	m.wf = wf
	return nil
}

// Workflow returns the canonical workflow. During Run it is being updated;
// inspect it under each pipeline's lock.
func (m *Manager) Workflow() *pipeline.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wf
}

// Run executes the assigned workflow until every pipeline is DONE, a fatal
// error occurs, or ctx is canceled. Task failures are reported in the
// summary, not as errors.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	m.mu.Lock()
	if m.wf == nil {
		m.mu.Unlock()
		return Summary{}, ErrNoWorkflow
	}
	if m.running {
		m.mu.Unlock()
		return Summary{}, errors.New("appmanager: already running")
	}
	m.running = true
	wf := m.wf
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	r, err := newRun(ctx, m.cfg, m.opts, m.logger, wf)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrRunFailed, err)
	}
	return r.execute(ctx)
}
