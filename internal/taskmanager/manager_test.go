package taskmanager_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/channel"
	"loom/internal/pipeline"
	"loom/internal/placeholder"
	"loom/internal/rts"
	"loom/internal/services"
	"loom/internal/staging"
	"loom/internal/state"
	"loom/internal/taskmanager"
	"loom/internal/testsupport"
)

type fixture struct {
	broker *channel.Memory
	names  channel.Names
	pool   *testsupport.FakePool
	places *placeholder.Map
	reg    *taskmanager.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := channel.NewMemory()
	names := channel.NewNames("tm")
	testsupport.MustDeclare(t, broker, names)
	pool := testsupport.NewFakePool(t.TempDir())
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	return &fixture{
		broker: broker,
		names:  names,
		pool:   pool,
		places: placeholder.New(placeholder.PolicyLatest, pool.SharedDir()),
		reg:    taskmanager.NewRegistry(),
	}
}

func (f *fixture) start(t *testing.T) *taskmanager.Manager {
	t.Helper()
	mgr, err := taskmanager.New(f.broker, f.pool, f.places, taskmanager.Options{
		Names:        f.names,
		PollInterval: time.Millisecond,
		Registry:     f.reg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return mgr
}

// scheduledTask returns a task placed at stage 2 of a pipeline, already in
// SCHEDULED as the processor would publish it.
func scheduledTask(name string) *pipeline.Task {
	task := pipeline.NewTask(name, "/bin/true", "x")
	pipeline.NewPipeline("p", pipeline.NewStage("s1", pipeline.NewTask("seed", "/bin/true")), pipeline.NewStage("s2", task))
	task.SetState(state.Scheduled)
	return task
}

func (f *fixture) publishPending(t *testing.T, task *pipeline.Task) {
	t.Helper()
	body, err := pipeline.EncodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := f.broker.Publish(context.Background(), f.names.Pending, body); err != nil {
		t.Fatalf("publish pending: %v", err)
	}
}

func (f *fixture) nextCompleted(t *testing.T) *pipeline.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d, err := channel.Receive(ctx, f.broker, f.names.Completed, time.Millisecond)
	if err != nil {
		t.Fatalf("receive completed: %v", err)
	}
	_ = f.broker.Ack(context.Background(), d)
	task, err := pipeline.DecodeTask(d.Body)
	if err != nil {
		t.Fatalf("decode completed: %v", err)
	}
	return task
}

func (f *fixture) taskEvents(t *testing.T, uid string) []state.Event {
	t.Helper()
	var out []state.Event
	for {
		d, ok, err := f.broker.Get(context.Background(), f.names.Sync)
		if err != nil {
			t.Fatalf("get sync: %v", err)
		}
		if !ok {
			return out
		}
		_ = f.broker.Ack(context.Background(), d)
		e, err := state.DecodeEvent(d.Body)
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if e.UID == uid {
			out = append(out, e)
		}
	}
}

func TestManagerSubmitsAndReportsCompletion(t *testing.T) {
	f := newFixture(t)
	f.pool.Exit = func(rts.Unit) int { return 3 }
	f.start(t)

	task := scheduledTask("sim")
	f.publishPending(t, task)

	done := f.nextCompleted(t)
	if done.UID() != task.UID() || done.State() != state.Completed {
		t.Fatalf("unexpected completion %s in %s", done.UID(), done.State())
	}
	if done.ExitCode == nil || *done.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %v", done.ExitCode)
	}
	if done.Path == "" {
		t.Fatal("expected sandbox path")
	}
	if done.StageIndex != 2 || done.TaskIndex != 1 {
		t.Fatalf("position lost in transit: %d/%d", done.StageIndex, done.TaskIndex)
	}

	var got []state.State
	for _, e := range f.taskEvents(t, task.UID()) {
		got = append(got, e.To)
	}
	want := []state.State{state.Submitting, state.Submitted, state.Completed}
	if len(got) != len(want) {
		t.Fatalf("unexpected sync sequence %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected sync sequence %v", got)
		}
	}

	if _, err := f.places.Expand(task.PipelineID, "$STAGE_2_TASK_1/out.dat"); err != nil {
		t.Fatalf("completion not recorded in placeholder map: %v", err)
	}
	units := f.pool.Units()
	if len(units) != 1 || units[0].Executable != "/bin/true" || units[0].Arguments[0] != "x" {
		t.Fatalf("unexpected units %+v", units)
	}
}

func TestManagerSkipsDuplicatePending(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	task := scheduledTask("once")
	f.publishPending(t, task)
	f.publishPending(t, task)

	f.nextCompleted(t)
	testsupport.WaitFor(t, 2*time.Second, "pending drained", func() bool {
		return f.broker.Len(f.names.Pending) == 0
	})
	if n := len(f.pool.Units()); n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}
	if f.reg.Submitted() != 1 {
		t.Fatalf("expected one registry entry, got %d", f.reg.Submitted())
	}
}

func TestManagerRollsBackFailedSubmission(t *testing.T) {
	f := newFixture(t)
	f.pool.SubmitErr = rts.ErrCapacity
	mgr := f.start(t)

	task := scheduledTask("too-big")
	f.publishPending(t, task)

	select {
	case err := <-mgr.Err():
		if !errors.Is(err, services.ErrSubmission) || !errors.Is(err, rts.ErrCapacity) {
			t.Fatalf("unexpected error %v", err)
		}
		if !services.Restartable(err) {
			t.Fatalf("submission failure should be restartable: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submission failure")
	}
	mgr.Stop()

	if f.broker.Len(f.names.Pending) != 1 {
		t.Fatalf("expected the task back on pending, got %d messages", f.broker.Len(f.names.Pending))
	}
	events := f.taskEvents(t, task.UID())
	if len(events) != 2 || events[0].To != state.Submitting || events[1].To != state.Scheduled || !events[1].Rollback {
		t.Fatalf("unexpected events %+v", events)
	}
	if f.reg.Submitted() != 0 {
		t.Fatal("failed submission must not stay claimed")
	}
}

func TestManagerResolvesPlaceholders(t *testing.T) {
	f := newFixture(t)
	task := scheduledTask("consumer")
	f.places.Record(placeholder.Entry{
		PipelineID: task.PipelineID,
		StageID:    "stage.up",
		TaskID:     "task.up",
		StageIndex: 1,
		TaskIndex:  1,
		Path:       "/runs/up",
	})
	task.CopyInput = []string{"$STAGE_1_TASK_1/result.txt > input.txt"}
	task.LinkInput = []string{"$SHARED/db"}
	task.DownloadOutput = []string{"summary.csv"}
	f.start(t)
	f.publishPending(t, task)
	f.nextCompleted(t)

	units := f.pool.Units()
	if len(units) != 1 {
		t.Fatalf("expected one unit, got %d", len(units))
	}
	u := units[0]
	wantInputs := []staging.Transfer{
		{Mode: staging.ModeCopy, Source: "/runs/up/result.txt", Target: "input.txt"},
		{Mode: staging.ModeLink, Source: filepath.Join(f.pool.SharedDir(), "db"), Target: "db"},
	}
	if len(u.Inputs) != len(wantInputs) {
		t.Fatalf("unexpected inputs %+v", u.Inputs)
	}
	for i, want := range wantInputs {
		if u.Inputs[i] != want {
			t.Fatalf("input %d: got %+v want %+v", i, u.Inputs[i], want)
		}
	}
	if len(u.Outputs) != 1 || u.Outputs[0] != (staging.Transfer{Mode: staging.ModeDownload, Source: "summary.csv", Target: "summary.csv"}) {
		t.Fatalf("unexpected outputs %+v", u.Outputs)
	}
}

func TestManagerUnresolvedPlaceholderFailsSubmission(t *testing.T) {
	f := newFixture(t)
	mgr := f.start(t)
	task := scheduledTask("orphan")
	task.CopyInput = []string{"$STAGE_1_TASK_9/missing"}
	f.publishPending(t, task)

	select {
	case err := <-mgr.Err():
		if !errors.Is(err, placeholder.ErrUnresolved) {
			t.Fatalf("expected unresolved placeholder, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submission failure")
	}
	if n := len(f.pool.Units()); n != 0 {
		t.Fatalf("nothing should reach the pool, got %d units", n)
	}
}

func TestCompletionGateKeepsSyncCausal(t *testing.T) {
	f := newFixture(t)
	f.pool.Hold = true
	f.start(t)

	for _, name := range []string{"a", "b", "c"} {
		f.publishPending(t, scheduledTask(name))
	}
	testsupport.WaitFor(t, 2*time.Second, "units submitted", func() bool { return len(f.pool.Units()) == 3 })
	f.pool.ReleaseAll()
	for range 3 {
		f.nextCompleted(t)
	}

	last := map[string]state.State{}
	for {
		d, ok, err := f.broker.Get(context.Background(), f.names.Sync)
		if err != nil {
			t.Fatalf("get sync: %v", err)
		}
		if !ok {
			break
		}
		e, err := state.DecodeEvent(d.Body)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if e.To == state.Completed && last[e.UID] != state.Submitted {
			t.Fatalf("task %s completed after %q", e.UID, last[e.UID])
		}
		last[e.UID] = e.To
	}
	if len(last) != 3 {
		t.Fatalf("expected events for three tasks, got %d", len(last))
	}
}
