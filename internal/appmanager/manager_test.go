package appmanager_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"loom/internal/appmanager"
	"loom/internal/config"
	"loom/internal/pipeline"
	"loom/internal/queue"
	"loom/internal/rts"
	"loom/internal/state"
	"loom/internal/testsupport"
)

func diamond() *pipeline.Workflow {
	build := func(name string) *pipeline.Pipeline {
		return pipeline.NewPipeline(name,
			pipeline.NewStage("prepare",
				pipeline.NewTask(name+"-a", "/bin/true"),
				pipeline.NewTask(name+"-b", "/bin/true"),
			),
			pipeline.NewStage("reduce", pipeline.NewTask(name+"-c", "/bin/true")),
		)
	}
	return pipeline.NewWorkflow(build("left"), build("right"))
}

func newManager(t *testing.T, cfg *config.Config, pool rts.Pool, wf *pipeline.Workflow) *appmanager.Manager {
	t.Helper()
	mgr, err := appmanager.New(cfg, appmanager.Options{Name: "test", Pool: pool})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mgr.AssignWorkflow(wf); err != nil {
		t.Fatalf("AssignWorkflow: %v", err)
	}
	return mgr
}

func runWithTimeout(t *testing.T, mgr *appmanager.Manager, timeout time.Duration) (appmanager.Summary, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return mgr.Run(ctx)
}

func TestRunCompletesWorkflow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	pool := testsupport.NewFakePool(t.TempDir())
	wf := diamond()
	mgr := newManager(t, cfg, pool, wf)

	summary, err := runWithTimeout(t, mgr, 10*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Succeeded() || summary.PipelinesDone != 2 || summary.Tasks[state.Done] != 6 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.RunID == "" || summary.Workflow != "test" {
		t.Fatalf("summary lacks identity: %+v", summary)
	}
	if n := len(pool.Units()); n != 6 {
		t.Fatalf("expected 6 submissions, got %d", n)
	}

	for _, pl := range mgr.Workflow().Pipelines {
		if pl.State() != state.Done || !pl.Completed() {
			t.Fatalf("pipeline %s: %s completed=%v", pl.Name, pl.State(), pl.Completed())
		}
		for _, stg := range pl.Stages {
			if stg.State() != state.Done {
				t.Fatalf("stage %s: %s", stg.Name, stg.State())
			}
			for _, task := range stg.Tasks {
				if task.State() != state.Done || task.ExitCode == nil {
					t.Fatalf("task %s: %s", task.Name, task.State())
				}
			}
		}
	}

	store := testsupport.MustOpenStore(t, cfg)
	run, err := store.GetRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != queue.RunDone || run.FinishedAt == nil {
		t.Fatalf("unexpected run record %+v", run)
	}
	stats, err := store.Stats(context.Background(), summary.RunID, string(state.KindTask))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[string(state.Done)] != 6 {
		t.Fatalf("task mirror out of date: %v", stats)
	}
	profiles, err := filepath.Glob(filepath.Join(cfg.Paths.LogDir, "profiles", summary.RunID, "*.prof"))
	if err != nil || len(profiles) != 3 {
		t.Fatalf("expected three profiles, got %v (%v)", profiles, err)
	}
}

func TestRunRecordsUnrecoveredFailures(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	pool := testsupport.NewFakePool(t.TempDir())
	pool.Exit = func(u rts.Unit) int {
		if strings.HasSuffix(u.Name, "-b") {
			return 2
		}
		return 0
	}
	mgr := newManager(t, cfg, pool, diamond())

	summary, err := runWithTimeout(t, mgr, 10*time.Second)
	if err != nil {
		t.Fatalf("task failures must not fail the run: %v", err)
	}
	if summary.Tasks[state.Failed] != 2 || summary.Unrecovered != 2 || summary.Succeeded() {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.PipelinesDone != 2 {
		t.Fatalf("pipelines should still finish, got %d", summary.PipelinesDone)
	}
}

func TestRunResubmitsFailedTasks(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithResubmission(3))
	pool := testsupport.NewFakePool(t.TempDir())
	var mu sync.Mutex
	tries := map[string]int{}
	pool.Exit = func(u rts.Unit) int {
		mu.Lock()
		defer mu.Unlock()
		tries[u.Name]++
		if u.Name == "left-a" && tries[u.Name] < 3 {
			return 1
		}
		return 0
	}
	wf := diamond()
	mgr := newManager(t, cfg, pool, wf)

	summary, err := runWithTimeout(t, mgr, 10*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Resubmissions != 2 || summary.Tasks[state.Failed] != 2 || summary.Unrecovered != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if !summary.Succeeded() {
		t.Fatalf("recovered failures should count as success: %+v", summary)
	}

	prepare := wf.Pipelines[0].Stages[0]
	if len(prepare.Tasks) != 4 {
		t.Fatalf("canonical stage should hold both clones, got %d tasks", len(prepare.Tasks))
	}
	last := prepare.Tasks[3]
	if last.State() != state.Done || last.Attempt != 2 || last.ResubmitOf != prepare.Tasks[2].UID() {
		t.Fatalf("unexpected final clone %+v", last.Record())
	}
}

// flakyPool fails the first n submissions.
type flakyPool struct {
	*testsupport.FakePool
	failures atomic.Int32
}

func (p *flakyPool) Submit(ctx context.Context, u rts.Unit, cb rts.Callback) error {
	if p.failures.Add(-1) >= 0 {
		return errors.New("resource manager unreachable")
	}
	return p.FakePool.Submit(ctx, u, cb)
}

func TestRunRestartsTaskManager(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Engine.MaxManagerRestarts = 2
	pool := &flakyPool{FakePool: testsupport.NewFakePool(t.TempDir())}
	pool.failures.Store(1)
	mgr := newManager(t, cfg, pool, diamond())

	summary, err := runWithTimeout(t, mgr, 10*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Restarts != 1 || !summary.Succeeded() {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRunFailsWhenRestartsRunOut(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Engine.MaxManagerRestarts = 1
	pool := &flakyPool{FakePool: testsupport.NewFakePool(t.TempDir())}
	pool.failures.Store(1000)
	mgr := newManager(t, cfg, pool, diamond())

	summary, err := runWithTimeout(t, mgr, 10*time.Second)
	if !errors.Is(err, appmanager.ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed, got %v", err)
	}
	if summary.Restarts != 2 {
		t.Fatalf("expected the second restart to be refused, got %d", summary.Restarts)
	}
	if summary.Tasks[state.Canceled] != 6 {
		t.Fatalf("unfinished tasks should be canceled: %+v", summary.Tasks)
	}
	for _, pl := range mgr.Workflow().Pipelines {
		if pl.State() != state.Canceled {
			t.Fatalf("pipeline %s: expected CANCELED, got %s", pl.Name, pl.State())
		}
	}

	store := testsupport.MustOpenStore(t, cfg)
	run, err := store.GetRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != queue.RunFailed || run.ErrorMessage == "" {
		t.Fatalf("unexpected run record %+v", run)
	}
}

func TestRunCancellation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	pool := testsupport.NewFakePool(t.TempDir())
	pool.Hold = true
	mgr := newManager(t, cfg, pool, diamond())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		testsupport.WaitFor(t, 5*time.Second, "units held", func() bool { return len(pool.Units()) == 4 })
		cancel()
	}()
	summary, err := mgr.Run(ctx)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, appmanager.ErrRunFailed) {
		t.Fatalf("expected canceled run, got %v", err)
	}
	if summary.Tasks[state.Canceled] == 0 {
		t.Fatalf("expected canceled tasks, got %+v", summary.Tasks)
	}
	store := testsupport.MustOpenStore(t, cfg)
	run, err := store.GetRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != queue.RunCanceled {
		t.Fatalf("expected canceled run record, got %s", run.Status)
	}
}

func TestRunRefusesHeldLock(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	lock := flock.New(cfg.LockPath())
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("take lock: %v %v", ok, err)
	}
	defer lock.Unlock()

	mgr := newManager(t, cfg, testsupport.NewFakePool(t.TempDir()), diamond())
	if _, err := runWithTimeout(t, mgr, 5*time.Second); !errors.Is(err, appmanager.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestAssignWorkflowValidates(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr, err := appmanager.New(cfg, appmanager.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	empty := pipeline.NewWorkflow(pipeline.NewPipeline("p", pipeline.NewStage("nothing")))
	if err := mgr.AssignWorkflow(empty); err == nil {
		t.Fatal("expected an empty stage to be rejected")
	}
	if _, err := mgr.Run(context.Background()); !errors.Is(err, appmanager.ErrNoWorkflow) {
		t.Fatalf("expected ErrNoWorkflow, got %v", err)
	}
}

func TestRunStagesDataThroughLocalPool(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBackend("sqlite"))

	produce := pipeline.NewTask("produce", "/bin/sh", "-c", "echo hello > result.txt")
	consume := pipeline.NewTask("consume", "/bin/sh", "-c", "tr a-z A-Z < in.txt > out.txt")
	consume.CopyInput = []string{"$STAGE_1_TASK_1/result.txt > in.txt"}
	consume.CopyOutput = []string{"out.txt > final.txt"}
	wf := pipeline.NewWorkflow(pipeline.NewPipeline("data",
		pipeline.NewStage("produce", produce),
		pipeline.NewStage("consume", consume),
	))

	mgr, err := appmanager.New(cfg, appmanager.Options{Name: "data", RunID: "run.data"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mgr.AssignWorkflow(wf); err != nil {
		t.Fatalf("AssignWorkflow: %v", err)
	}
	summary, err := runWithTimeout(t, mgr, 30*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Succeeded() {
		t.Fatalf("unexpected summary %+v", summary)
	}

	final := filepath.Join(cfg.Resource.SandboxDir, "run.data", "shared", "final.txt")
	data, err := os.ReadFile(final)
	if err != nil {
		t.Fatalf("read staged output: %v", err)
	}
	if strings.TrimSpace(string(data)) != "HELLO" {
		t.Fatalf("unexpected output %q", data)
	}
}
