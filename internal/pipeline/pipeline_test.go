package pipeline_test

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"loom/internal/pipeline"
	"loom/internal/state"
)

func sampleWorkflow() *pipeline.Workflow {
	first := pipeline.NewStage("prepare",
		pipeline.NewTask("a", "/bin/echo", "a"),
		pipeline.NewTask("b", "/bin/echo", "b"),
	)
	second := pipeline.NewStage("analyse", pipeline.NewTask("c", "/bin/true"))
	return pipeline.NewWorkflow(pipeline.NewPipeline("p1", first, second))
}

func TestOwnershipAndPositions(t *testing.T) {
	wf := sampleWorkflow()
	p := wf.Pipelines[0]
	for si, s := range p.Stages {
		if s.PipelineID != p.UID() || s.Index != si+1 {
			t.Fatalf("stage %d: unexpected ownership %q index %d", si, s.PipelineID, s.Index)
		}
		for ti, task := range s.Tasks {
			pid, sid := task.Parents()
			if pid != p.UID() || sid != s.UID() {
				t.Fatalf("task %s: unexpected parents %s/%s", task.Label(), pid, sid)
			}
			if task.StageIndex != si+1 || task.TaskIndex != ti+1 {
				t.Fatalf("task %s: unexpected position %d/%d", task.Label(), task.StageIndex, task.TaskIndex)
			}
			if !strings.HasPrefix(task.UID(), "task.") {
				t.Fatalf("unexpected task uid %q", task.UID())
			}
		}
	}
	if err := wf.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	counts := wf.Count()
	if counts.Pipelines != 1 || counts.Stages != 2 || counts.Tasks != 3 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestCursorIsBoundsChecked(t *testing.T) {
	p := sampleWorkflow().Pipelines[0]
	if p.Completed() {
		t.Fatal("fresh pipeline must not be completed")
	}
	if err := p.AdvanceStage(); err != nil {
		t.Fatalf("advance to stage 2: %v", err)
	}
	if s, ok := p.CurrentStage(); !ok || s.Name != "analyse" {
		t.Fatalf("expected analyse stage under cursor, got %v", s)
	}
	if err := p.AdvanceStage(); err != nil {
		t.Fatalf("advance past last stage: %v", err)
	}
	if !p.Completed() {
		t.Fatal("expected completed after advancing past the last stage")
	}
	if _, ok := p.CurrentStage(); ok {
		t.Fatal("completed pipeline has no current stage")
	}
	if err := p.AdvanceStage(); !errors.Is(err, pipeline.ErrNoStage) {
		t.Fatalf("expected ErrNoStage, got %v", err)
	}
	if p.CurrentIndex() != 2 {
		t.Fatalf("failed advance must not move the cursor, got %d", p.CurrentIndex())
	}
	if err := p.RetreatStage(); err != nil {
		t.Fatalf("retreat: %v", err)
	}
	if p.Completed() {
		t.Fatal("retreat must undo completion")
	}
}

func TestStageCompleteCountsFailedAsTerminal(t *testing.T) {
	s := pipeline.NewStage("s", pipeline.NewTask("a", "/bin/true"), pipeline.NewTask("b", "/bin/false"))
	if s.Complete() {
		t.Fatal("INITIAL tasks are not terminal")
	}
	s.Tasks[0].SetState(state.Done)
	s.Tasks[1].SetState(state.Failed)
	if !s.Complete() {
		t.Fatal("DONE and FAILED tasks complete a stage")
	}
	clone := s.Tasks[1].Replicate()
	s.AddTask(clone)
	if s.Complete() {
		t.Fatal("an INITIAL resubmission clone reopens the stage")
	}
	if !s.Superseded(s.Tasks[1].UID()) {
		t.Fatal("expected failed task to be marked superseded")
	}
}

func TestReplicateUsesFreshIdentity(t *testing.T) {
	task := pipeline.NewTask("sim", "/usr/bin/sim", "--steps", "10")
	s := pipeline.NewStage("s", task)
	pipeline.NewPipeline("p", s)
	code := 3
	task.ExitCode = &code
	task.Path = "/sandbox/x"
	task.SetState(state.Failed)

	clone := task.Replicate()
	if clone.UID() == task.UID() {
		t.Fatal("clone must have a fresh uid")
	}
	if clone.State() != state.Initial || clone.ExitCode != nil || clone.Path != "" {
		t.Fatalf("clone must start clean, got state=%s exit=%v path=%q", clone.State(), clone.ExitCode, clone.Path)
	}
	if clone.ResubmitOf != task.UID() || clone.Attempt != 1 {
		t.Fatalf("unexpected lineage %q attempt %d", clone.ResubmitOf, clone.Attempt)
	}
	if clone.StageIndex != 1 || clone.TaskIndex != 1 {
		t.Fatalf("clone must inherit its position, got %d/%d", clone.StageIndex, clone.TaskIndex)
	}
	clone.Arguments[0] = "--changed"
	if task.Arguments[0] != "--steps" {
		t.Fatal("clone must not share argument storage")
	}
}

func TestTaskRecordRoundTrip(t *testing.T) {
	task := pipeline.NewTask("md", "/usr/bin/gmx", "mdrun", "-deffnm", "run")
	task.Cores = 8
	task.PreExec = []string{"module load gromacs"}
	task.LinkInput = []string{"$STAGE_1_TASK_1/topol.tpr > topol.tpr"}
	task.DownloadOutput = []string{"run.log"}
	pipeline.NewPipeline("p", pipeline.NewStage("s", task))
	task.SetState(state.Dequeued)
	code := 0
	task.ExitCode = &code

	body, err := pipeline.EncodeTask(task)
	if err != nil {
		t.Fatalf("EncodeTask: %v", err)
	}
	got, err := pipeline.DecodeTask(body)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if got.UID() != task.UID() || got.Executable != task.Executable || got.Cores != task.Cores || got.State() != task.State() {
		t.Fatalf("round trip mismatch: %+v vs %+v", got.Record(), task.Record())
	}
	if !slices.Equal(got.Arguments, task.Arguments) || !slices.Equal(got.LinkInput, task.LinkInput) || !slices.Equal(got.PreExec, task.PreExec) {
		t.Fatalf("round trip lost slices: %+v", got.Record())
	}
	if pid, sid := got.Parents(); pid != task.PipelineID || sid != task.StageID {
		t.Fatalf("round trip lost parents: %s/%s", pid, sid)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("round trip lost exit code: %v", got.ExitCode)
	}
}

func TestDecodeTaskRejectsBadRecords(t *testing.T) {
	if _, err := pipeline.DecodeTask([]byte(`{"id":"task.x","state":"SCHEDULING_LATER"}`)); !errors.Is(err, state.ErrUnknownState) {
		t.Fatalf("expected unknown state error, got %v", err)
	}
	if _, err := pipeline.DecodeTask([]byte(`{"state":"INITIAL"}`)); err == nil {
		t.Fatal("expected missing id error")
	}
	if _, err := pipeline.DecodeTask([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestWorkflowCloneIsDeep(t *testing.T) {
	wf := sampleWorkflow()
	wf.Freeze()
	cp := wf.Clone()
	if !cp.Frozen() {
		t.Fatal("clone keeps the frozen flag")
	}
	cp.Pipelines[0].Stages[0].Tasks[0].SetState(state.Scheduling)
	if err := cp.Pipelines[0].AdvanceStage(); err != nil {
		t.Fatalf("advance clone: %v", err)
	}
	if wf.Pipelines[0].Stages[0].Tasks[0].State() != state.Initial {
		t.Fatal("clone mutation leaked into the original task")
	}
	if wf.Pipelines[0].CurrentIndex() != 0 {
		t.Fatal("clone cursor leaked into the original")
	}
	if cp.Pipelines[0].UID() != wf.Pipelines[0].UID() {
		t.Fatal("clone keeps uids")
	}
	if err := cp.AddPipeline(pipeline.NewPipeline("late")); !errors.Is(err, pipeline.ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
}

func TestValidateRejectsEmptyStage(t *testing.T) {
	wf := pipeline.NewWorkflow(pipeline.NewPipeline("p", pipeline.NewStage("empty")))
	if err := wf.Validate(); err == nil || !strings.Contains(err.Error(), "at least one task") {
		t.Fatalf("expected empty stage error, got %v", err)
	}
}
