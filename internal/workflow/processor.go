package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"loom/internal/channel"
	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/profiler"
	"loom/internal/state"
)

const component = "wfprocessor"

// Options configure a Processor.
type Options struct {
	Names        channel.Names
	Logger       *slog.Logger
	Profiler     profiler.Recorder
	PollInterval time.Duration
	// ResubmitFailed replaces FAILED tasks with a fresh clone in the same
	// stage, at most MaxResubmits times per logical task (0 = unlimited).
	ResubmitFailed bool
	MaxResubmits   int
	Classifier     *Classifier
}

// Processor schedules stages and consumes completed tasks.
type Processor struct {
	wf           *pipeline.Workflow
	broker       channel.Broker
	names        channel.Names
	trans        *state.Transitioner
	classifier   *Classifier
	logger       *slog.Logger
	profiler     profiler.Recorder
	pollInterval time.Duration
	resubmit     bool
	maxResubmits int

	errs chan error

	mu           sync.RWMutex
	running      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	lastErr      error
	enqueueAlive bool
	dequeueAlive bool
}

// NewProcessor builds a processor over wf. The processor mutates wf; hosts
// that keep their own view pass a clone.
func NewProcessor(wf *pipeline.Workflow, broker channel.Broker, opts Options) (*Processor, error) {
	if wf == nil {
		return nil, errors.New("workflow processor: workflow is required")
	}
	if broker == nil {
		return nil, errors.New("workflow processor: broker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, component)
	rec := opts.Profiler
	if rec == nil {
		rec = profiler.Nop{}
	}
	classifier := opts.Classifier
	if classifier == nil {
		var err error
		if classifier, err = NewClassifier(""); err != nil {
			return nil, err
		}
	}
	names := opts.Names
	if names.Pending == "" {
		names = channel.NewNames("")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	return &Processor{
		wf:     wf,
		broker: broker,
		names:  names,
		trans: state.NewTransitioner(broker, state.TransitionerOptions{
			Channel:  names.Sync,
			Source:   component,
			Profiler: rec,
			Logger:   logger,
		}),
		classifier:   classifier,
		logger:       logger,
		profiler:     rec,
		pollInterval: poll,
		resubmit:     opts.ResubmitFailed,
		maxResubmits: opts.MaxResubmits,
		errs:         make(chan error, 2),
	}, nil
}

// Start launches the enqueue and dequeue loops.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("workflow processor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.enqueueAlive = true
	p.dequeueAlive = true
	p.wg.Add(2)
	p.mu.Unlock()

	p.profiler.Record("start", component, "")
	go p.runEnqueue(runCtx)
	go p.runDequeue(runCtx)

	p.logger.Info("workflow processor started",
		logging.Int("pipelines", len(p.wf.Pipelines)),
		logging.Bool("resubmit_failed", p.resubmit),
		logging.String("success_expr", p.classifier.Source()),
		logging.String(logging.FieldEventType, "processor_started"),
	)
	return nil
}

// Stop asks both loops to finish their current iteration and waits for them.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.profiler.Record("stop", component, "")
	p.logger.Info("workflow processor stopped", logging.String(logging.FieldEventType, "processor_stopped"))
}

// Err delivers fatal loop errors. A loop that reports here has exited.
func (p *Processor) Err() <-chan error { return p.errs }

// Alive reports whether both loops are still running.
func (p *Processor) Alive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enqueueAlive && p.dequeueAlive
}

// WorkflowIncomplete reports whether any pipeline still has stages to run.
func (p *Processor) WorkflowIncomplete() bool {
	for _, pl := range p.wf.Pipelines {
		pl.Lock()
		done := pl.Completed() || state.Terminal(state.KindPipeline, pl.State())
		pl.Unlock()
		if !done {
			return true
		}
	}
	return false
}

func (p *Processor) fail(loop string, err error) {
	p.mu.Lock()
	p.lastErr = err
	switch loop {
	case "enqueue":
		p.enqueueAlive = false
	case "dequeue":
		p.dequeueAlive = false
	}
	p.mu.Unlock()

	logging.ErrorWithContext(p.logger, "workflow processor loop failed", "processor_"+loop+"_failed",
		logging.String("loop", loop),
		logging.Error(err),
	)
	select {
	case p.errs <- err:
	default:
	}
}

func (p *Processor) markExited(loop string) {
	p.mu.Lock()
	switch loop {
	case "enqueue":
		p.enqueueAlive = false
	case "dequeue":
		p.dequeueAlive = false
	}
	p.mu.Unlock()
}

func (p *Processor) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}
