package pipeline

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"loom/internal/state"
)

// Task is one executable unit of work. Parents are referenced by id only.
type Task struct {
	uid  string
	Name string

	PipelineID string
	StageID    string

	Executable string
	Arguments  []string
	Cores      int
	// PreExec lines are environment or module directives passed through to
	// the execution substrate unchanged.
	PreExec []string

	UploadInput    []string
	CopyInput      []string
	LinkInput      []string
	CopyOutput     []string
	DownloadOutput []string

	state    state.State
	ExitCode *int
	// Path is the execution sandbox once the substrate has assigned one.
	Path string

	// StageIndex and TaskIndex are 1-based positions inside the pipeline,
	// inherited by resubmission clones.
	StageIndex int
	TaskIndex  int
	// ResubmitOf is the uid of the failed task this clone replaces.
	ResubmitOf string
	Attempt    int
}

// NewTask creates a task in INITIAL with a fresh uid.
func NewTask(name, executable string, args ...string) *Task {
	return &Task{
		uid:        newUID("task"),
		Name:       name,
		Executable: executable,
		Arguments:  append([]string{}, args...),
		Cores:      1,
		state:      state.Initial,
	}
}

func newUID(prefix string) string {
	return prefix + "." + uuid.NewString()
}

func (t *Task) UID() string               { return t.uid }
func (t *Task) Kind() state.Kind          { return state.KindTask }
func (t *Task) State() state.State        { return t.state }
func (t *Task) SetState(s state.State)    { t.state = s }
func (t *Task) Parents() (string, string) { return t.PipelineID, t.StageID }

// Snapshot returns the task's wire record for sync events.
func (t *Task) Snapshot() ([]byte, error) { return EncodeTask(t) }

// Terminal reports whether the task reached DONE, FAILED, or CANCELED.
func (t *Task) Terminal() bool { return state.Terminal(state.KindTask, t.state) }

// Label is the human name, falling back to the uid.
func (t *Task) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.uid
}

// Clone returns a deep copy carrying the same uid.
func (t *Task) Clone() *Task {
	c := *t
	c.Arguments = slices.Clone(t.Arguments)
	c.PreExec = slices.Clone(t.PreExec)
	c.UploadInput = slices.Clone(t.UploadInput)
	c.CopyInput = slices.Clone(t.CopyInput)
	c.LinkInput = slices.Clone(t.LinkInput)
	c.CopyOutput = slices.Clone(t.CopyOutput)
	c.DownloadOutput = slices.Clone(t.DownloadOutput)
	if t.ExitCode != nil {
		code := *t.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// Replicate returns a fresh INITIAL copy with a new uid, used to resubmit a
// failed task inside its stage.
func (t *Task) Replicate() *Task {
	c := t.Clone()
	c.uid = newUID("task")
	c.state = state.Initial
	c.ExitCode = nil
	c.Path = ""
	c.ResubmitOf = t.uid
	c.Attempt = t.Attempt + 1
	return c
}

// Validate checks the fields a task needs before it can be scheduled.
func (t *Task) Validate() error {
	if t.Executable == "" {
		return fmt.Errorf("task %s: executable is required", t.Label())
	}
	if t.Cores <= 0 {
		return fmt.Errorf("task %s: cores must be positive", t.Label())
	}
	return nil
}

// TaskRecord is the wire form of a task on the pending and completed channels.
type TaskRecord struct {
	UID            string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	StageID        string   `json:"parent_stage_id"`
	PipelineID     string   `json:"parent_pipeline_id"`
	Executable     string   `json:"executable"`
	Arguments      []string `json:"arguments"`
	Cores          int      `json:"cores"`
	PreExec        []string `json:"pre_exec,omitempty"`
	UploadInput    []string `json:"upload_input_data,omitempty"`
	CopyInput      []string `json:"copy_input_data,omitempty"`
	LinkInput      []string `json:"link_input_data,omitempty"`
	CopyOutput     []string `json:"copy_output_data,omitempty"`
	DownloadOutput []string `json:"download_output_data,omitempty"`
	State          string   `json:"state"`
	ExitCode       *int     `json:"exit_code"`
	Path           string   `json:"path,omitempty"`
	StageIndex     int      `json:"stage_index"`
	TaskIndex      int      `json:"task_index"`
	ResubmitOf     string   `json:"resubmit_of,omitempty"`
	Attempt        int      `json:"attempt,omitempty"`
}

// Record converts the task to its wire form.
func (t *Task) Record() TaskRecord {
	c := t.Clone()
	args := c.Arguments
	if args == nil {
		args = []string{}
	}
	return TaskRecord{
		UID:            c.uid,
		Name:           c.Name,
		StageID:        c.StageID,
		PipelineID:     c.PipelineID,
		Executable:     c.Executable,
		Arguments:      args,
		Cores:          c.Cores,
		PreExec:        c.PreExec,
		UploadInput:    c.UploadInput,
		CopyInput:      c.CopyInput,
		LinkInput:      c.LinkInput,
		CopyOutput:     c.CopyOutput,
		DownloadOutput: c.DownloadOutput,
		State:          string(c.state),
		ExitCode:       c.ExitCode,
		Path:           c.Path,
		StageIndex:     c.StageIndex,
		TaskIndex:      c.TaskIndex,
		ResubmitOf:     c.ResubmitOf,
		Attempt:        c.Attempt,
	}
}

// TaskFromRecord rebuilds a task from its wire form.
func TaskFromRecord(r TaskRecord) (*Task, error) {
	if r.UID == "" {
		return nil, fmt.Errorf("task record: missing id")
	}
	st, err := state.Parse(state.KindTask, r.State)
	if err != nil {
		return nil, fmt.Errorf("task record %s: %w", r.UID, err)
	}
	t := &Task{
		uid:            r.UID,
		Name:           r.Name,
		PipelineID:     r.PipelineID,
		StageID:        r.StageID,
		Executable:     r.Executable,
		Arguments:      r.Arguments,
		Cores:          r.Cores,
		PreExec:        r.PreExec,
		UploadInput:    r.UploadInput,
		CopyInput:      r.CopyInput,
		LinkInput:      r.LinkInput,
		CopyOutput:     r.CopyOutput,
		DownloadOutput: r.DownloadOutput,
		state:          st,
		ExitCode:       r.ExitCode,
		Path:           r.Path,
		StageIndex:     r.StageIndex,
		TaskIndex:      r.TaskIndex,
		ResubmitOf:     r.ResubmitOf,
		Attempt:        r.Attempt,
	}
	if t.Arguments == nil {
		t.Arguments = []string{}
	}
	return t.Clone(), nil
}

// EncodeTask serializes a task for a channel message body.
func EncodeTask(t *Task) ([]byte, error) {
	return json.Marshal(t.Record())
}

// DecodeTask parses a channel message body produced by EncodeTask.
func DecodeTask(body []byte) (*Task, error) {
	var r TaskRecord
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return TaskFromRecord(r)
}
