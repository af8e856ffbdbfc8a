package rts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/staging"
	"loom/internal/state"
)

const (
	defaultShell      = "/bin/sh"
	processWaitDelay  = 5 * time.Second
	stdoutFile        = "STDOUT"
	stderrFile        = "STDERR"
	sharedDirName     = "shared"
	defaultStaleAfter = 7 * 24 * time.Hour
)

// LocalOptions tune a LocalPool.
type LocalOptions struct {
	RunID  string
	Logger *slog.Logger
	// WorkDir anchors relative upload sources and download targets. Defaults
	// to the process working directory.
	WorkDir string
	// StaleAfter prunes sibling run sandboxes older than this on start.
	// Negative disables pruning; zero uses seven days.
	StaleAfter time.Duration
	Shell      string
}

// LocalPool runs units as local processes, at most Cores slots at a time.
type LocalPool struct {
	desc    Description
	root    string
	shared  string
	workdir string
	shell   string
	logger  *slog.Logger

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	units  map[string]struct{}
}

// NewLocalPool prepares the run sandbox and starts the walltime clock.
func NewLocalPool(desc Description, opts LocalOptions) (*LocalPool, error) {
	if desc.Cores <= 0 {
		return nil, fmt.Errorf("local pool: cores must be positive, got %d", desc.Cores)
	}
	if strings.TrimSpace(desc.SandboxDir) == "" {
		return nil, errors.New("local pool: sandbox_dir is required")
	}
	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		runID = "run-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	logger := defaultLogger(opts.Logger)

	staleAfter := opts.StaleAfter
	if staleAfter == 0 {
		staleAfter = defaultStaleAfter
	}
	if staleAfter > 0 {
		staging.CleanStale(context.Background(), desc.SandboxDir, staleAfter, map[string]struct{}{runID: {}}, logger)
	}

	root := filepath.Join(desc.SandboxDir, runID)
	shared := filepath.Join(root, sharedDirName)
	if err := os.MkdirAll(shared, 0o755); err != nil {
		return nil, fmt.Errorf("local pool: create sandbox: %w", err)
	}

	workdir := opts.WorkDir
	if workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("local pool: working directory: %w", err)
		}
		workdir = wd
	}
	shell := opts.Shell
	if shell == "" {
		shell = defaultShell
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if deadline := desc.Deadline(); deadline > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), deadline)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	logger.Info("local pool ready",
		logging.String("resource", desc.Resource),
		logging.Int("cores", desc.Cores),
		logging.Int("walltime_minutes", desc.Walltime),
		logging.String("sandbox", root),
		logging.String(logging.FieldEventType, "pool_ready"),
	)

	return &LocalPool{
		desc:    desc,
		root:    root,
		shared:  shared,
		workdir: workdir,
		shell:   shell,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(desc.Cores)),
		ctx:     ctx,
		cancel:  cancel,
		units:   make(map[string]struct{}),
	}, nil
}

// SharedDir implements Pool.
func (p *LocalPool) SharedDir() string { return p.shared }

// Root is the sandbox directory of this run.
func (p *LocalPool) Root() string { return p.root }

// Submit implements Pool.
func (p *LocalPool) Submit(ctx context.Context, u Unit, cb Callback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.UID == "" {
		return errors.New("submit: unit id is required")
	}
	if u.Executable == "" {
		return fmt.Errorf("submit %s: executable is required", u.UID)
	}
	cores := u.Cores
	if cores <= 0 {
		cores = 1
	}
	if cores > p.desc.Cores {
		return fmt.Errorf("submit %s: %d cores requested, pool has %d: %w", u.UID, cores, p.desc.Cores, ErrCapacity)
	}

	p.mu.Lock()
	if p.closed || p.ctx.Err() != nil {
		p.mu.Unlock()
		return fmt.Errorf("submit %s: %w", u.UID, ErrPoolClosed)
	}
	if _, dup := p.units[u.UID]; dup {
		p.mu.Unlock()
		return fmt.Errorf("submit %s: %w", u.UID, ErrDuplicateUnit)
	}
	p.units[u.UID] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	u.Cores = cores
	go p.run(u, cb)
	return nil
}

// Close implements Pool.
func (p *LocalPool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close local pool: %w", ctx.Err())
	}
}

func (p *LocalPool) run(u Unit, cb Callback) {
	defer p.wg.Done()

	sandbox := filepath.Join(p.root, sandboxName(u.UID))
	res := Result{UID: u.UID, Path: sandbox}
	logger := p.logger.With(logging.String("unit", u.UID))
	defer func() {
		if cb != nil {
			cb(res)
		}
	}()

	if err := p.sem.Acquire(p.ctx, int64(u.Cores)); err != nil {
		res.State, res.Err = state.Canceled, err
		return
	}
	defer p.sem.Release(int64(u.Cores))

	metrics.UnitStarted()
	defer metrics.UnitFinished()

	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		res.State, res.Err = state.Failed, fmt.Errorf("create sandbox: %w", err)
		return
	}
	if _, err := staging.ApplyAll(p.ctx, p.resolve(u.Inputs, sandbox, true)); err != nil {
		res.State, res.Err = p.failure(), fmt.Errorf("stage input: %w", err)
		logger.Warn("input staging failed", logging.Error(err), logging.String(logging.FieldEventType, "unit_staging_failed"))
		return
	}

	started := time.Now()
	code, err := p.execute(u, sandbox)
	if p.ctx.Err() != nil {
		res.State, res.Err = state.Canceled, p.ctx.Err()
		return
	}
	if err != nil {
		res.State, res.Err = state.Failed, err
		logger.Warn("unit did not start", logging.Error(err), logging.String(logging.FieldEventType, "unit_start_failed"))
		return
	}
	if code == 0 {
		if _, err := staging.ApplyAll(p.ctx, p.resolve(u.Outputs, sandbox, false)); err != nil {
			res.State, res.Err = p.failure(), fmt.Errorf("stage output: %w", err)
			logger.Warn("output staging failed", logging.Error(err), logging.String(logging.FieldEventType, "unit_staging_failed"))
			return
		}
	}

	res.ExitCode = &code
	res.State = state.Done
	if code != 0 {
		res.State = state.Failed
	}
	logger.Debug("unit finished",
		logging.Int("exit_code", code),
		logging.Duration("elapsed", time.Since(started)),
	)
}

func (p *LocalPool) failure() state.State {
	if p.ctx.Err() != nil {
		return state.Canceled
	}
	return state.Failed
}

// execute runs the unit and returns its exit code. The error is non-nil only
// when the process could not be started.
func (p *LocalPool) execute(u Unit, sandbox string) (int, error) {
	var cmd *exec.Cmd
	if len(u.PreExec) > 0 {
		script := strings.Join(u.PreExec, "\n") + "\nexec \"$0\" \"$@\""
		args := append([]string{"-c", script, u.Executable}, u.Arguments...)
		cmd = exec.CommandContext(p.ctx, p.shell, args...) //nolint:gosec
	} else {
		cmd = exec.CommandContext(p.ctx, u.Executable, u.Arguments...) //nolint:gosec
	}
	cmd.Dir = sandbox
	cmd.Env = append(os.Environ(),
		"LOOM_UNIT_ID="+u.UID,
		"LOOM_SANDBOX="+sandbox,
		"LOOM_SHARED="+p.shared,
		"LOOM_CORES="+strconv.Itoa(u.Cores),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = processWaitDelay

	stdout, err := os.Create(filepath.Join(sandbox, stdoutFile))
	if err != nil {
		return -1, err
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(sandbox, stderrFile))
	if err != nil {
		return -1, err
	}
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", u.Executable, err)
	}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("wait %s: %w", u.Executable, err)
	}
	return 0, nil
}

func (p *LocalPool) resolve(transfers []staging.Transfer, sandbox string, input bool) []staging.Transfer {
	out := make([]staging.Transfer, 0, len(transfers))
	for _, t := range transfers {
		r := t
		if input {
			r.Target = anchor(sandbox, t.Target)
			if t.Mode == staging.ModeUpload {
				r.Source = anchor(p.workdir, t.Source)
			} else {
				r.Source = anchor(p.shared, t.Source)
			}
		} else {
			r.Source = anchor(sandbox, t.Source)
			if t.Mode == staging.ModeDownload {
				r.Target = anchor(p.workdir, t.Target)
			} else {
				r.Target = anchor(p.shared, t.Target)
			}
		}
		out = append(out, r)
	}
	return out
}

func anchor(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}

func sandboxName(uid string) string {
	return strings.NewReplacer("/", "-", string(os.PathSeparator), "-").Replace(uid)
}
