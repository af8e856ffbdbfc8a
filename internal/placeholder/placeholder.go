package placeholder

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Policy selects which completion a positional reference resolves to.
type Policy string

const (
	PolicyLatest Policy = "latest"
	PolicyFirst  Policy = "first"
)

// ErrUnresolved is returned when a reference names a task that has not
// completed or a location that does not exist.
var ErrUnresolved = errors.New("unresolved placeholder")

// Entry describes one completed task.
type Entry struct {
	PipelineID string
	StageID    string
	TaskID     string
	StageIndex int
	TaskIndex  int
	// ResubmitOf is the uid of the failed task this one replaced, if any.
	ResubmitOf string
	Path       string
}

type idKey struct{ pipeline, stage, task string }

// nameKey scopes a name to its parent: pipelines to "", stages to their
// pipeline uid, tasks to their stage uid.
type nameKey struct{ parent, name string }

type posKey struct {
	pipeline    string
	stage, task int
}

// Map stores task output locations.
type Map struct {
	mu     sync.RWMutex
	policy Policy
	shared string

	byID   map[idKey]string
	byPos  map[posKey]string
	origin map[string]string
	names  map[nameKey]string
}

var (
	positionalRef = regexp.MustCompile(`^\$STAGE_(\d+)_TASK_(\d+)(/.*)?$`)
	explicitRef   = regexp.MustCompile(`^\$Pipeline_(.+?)_Stage_(.+?)_Task_([^/]+)(/.*)?$`)
	sharedRef     = regexp.MustCompile(`^\$SHARED(/.*)?$`)
)

// New returns an empty map. An unknown policy falls back to PolicyLatest.
func New(policy Policy, sharedDir string) *Map {
	if policy != PolicyFirst {
		policy = PolicyLatest
	}
	return &Map{
		policy: policy,
		shared: sharedDir,
		byID:   make(map[idKey]string),
		byPos:  make(map[posKey]string),
		origin: make(map[string]string),
		names:  make(map[nameKey]string),
	}
}

// Policy reports the positional policy in effect.
func (m *Map) Policy() Policy { return m.policy }

// SetShared replaces the directory $SHARED resolves to.
func (m *Map) SetShared(dir string) {
	m.mu.Lock()
	m.shared = dir
	m.mu.Unlock()
}

// Name registers a human name for a pipeline, stage, or task uid so explicit
// references may use either. parentUID is empty for pipelines, the pipeline
// uid for stages and the stage uid for tasks, so equal names in different
// parents stay apart.
func (m *Map) Name(parentUID, name, uid string) {
	if name == "" || uid == "" {
		return
	}
	m.mu.Lock()
	m.names[nameKey{parentUID, name}] = uid
	m.mu.Unlock()
}

// Record stores the output location of a completed task.
func (m *Map) Record(e Entry) {
	if e.TaskID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[idKey{e.PipelineID, e.StageID, e.TaskID}] = e.Path

	if e.ResubmitOf != "" {
		root := e.ResubmitOf
		if o, ok := m.origin[root]; ok {
			root = o
		}
		m.origin[e.TaskID] = root
		if m.policy == PolicyLatest {
			m.byID[idKey{e.PipelineID, e.StageID, root}] = e.Path
		}
	}

	if e.StageIndex <= 0 || e.TaskIndex <= 0 {
		return
	}
	pos := posKey{e.PipelineID, e.StageIndex, e.TaskIndex}
	if _, exists := m.byPos[pos]; exists && m.policy == PolicyFirst {
		return
	}
	m.byPos[pos] = e.Path
}

// Len reports how many task locations are recorded.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Expand rewrites a leading reference in ref. pipelineID scopes positional
// references. Values without a leading '$' are returned unchanged.
func (m *Map) Expand(pipelineID, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "$") {
		return ref, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if match := positionalRef.FindStringSubmatch(ref); match != nil {
		stage, _ := strconv.Atoi(match[1])
		task, _ := strconv.Atoi(match[2])
		base, ok := m.byPos[posKey{pipelineID, stage, task}]
		if !ok {
			return "", fmt.Errorf("%s: stage %d task %d of pipeline %s has not completed: %w", ref, stage, task, pipelineID, ErrUnresolved)
		}
		return join(base, match[3]), nil
	}
	if match := sharedRef.FindStringSubmatch(ref); match != nil {
		if m.shared == "" {
			return "", fmt.Errorf("%s: no shared directory: %w", ref, ErrUnresolved)
		}
		return join(m.shared, match[1]), nil
	}
	if match := explicitRef.FindStringSubmatch(ref); match != nil {
		pl := m.uid("", match[1])
		stg := m.uid(pl, match[2])
		base, ok := m.byID[idKey{pl, stg, m.uid(stg, match[3])}]
		if !ok {
			return "", fmt.Errorf("%s: task has not completed: %w", ref, ErrUnresolved)
		}
		return join(base, match[4]), nil
	}
	return "", fmt.Errorf("%s: unknown reference: %w", ref, ErrUnresolved)
}

func (m *Map) uid(parent, nameOrID string) string {
	if id, ok := m.names[nameKey{parent, nameOrID}]; ok {
		return id
	}
	return nameOrID
}

func join(base, rest string) string {
	if rest == "" || rest == "/" {
		return base
	}
	return path.Join(base, rest)
}

// Directive is one parsed staging line.
type Directive struct {
	Source string
	Target string
}

// ParseDirective splits "src > dst". The target defaults to the base name
// of the source.
func ParseDirective(line string) (Directive, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Directive{}, errors.New("empty staging directive")
	}
	src, dst, found := strings.Cut(line, ">")
	src = strings.TrimSpace(src)
	dst = strings.TrimSpace(dst)
	if src == "" {
		return Directive{}, fmt.Errorf("staging directive %q: missing source", line)
	}
	if found && dst == "" {
		return Directive{}, fmt.Errorf("staging directive %q: missing target", line)
	}
	if dst == "" {
		dst = path.Base(src)
	}
	return Directive{Source: src, Target: dst}, nil
}

// Resolve parses line and expands references in its source.
func (m *Map) Resolve(pipelineID, line string) (Directive, error) {
	d, err := ParseDirective(line)
	if err != nil {
		return Directive{}, err
	}
	if d.Source, err = m.Expand(pipelineID, d.Source); err != nil {
		return Directive{}, err
	}
	if strings.HasPrefix(d.Target, "$") {
		if d.Target, err = m.Expand(pipelineID, d.Target); err != nil {
			return Directive{}, err
		}
	}
	return d, nil
}
