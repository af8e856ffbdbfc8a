// Package manifest reads workflow description files.
//
// A manifest is YAML (JSON documents parse too) naming an optional resource
// description and the pipelines to run. Pipelines and tasks may carry a
// replicas count. The "{replica}" token is replaced with the 1-based replica
// number of the pipeline in pipeline names and of the task in task fields;
// "{pipeline_replica}" gives tasks their pipeline's number.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"loom/internal/pipeline"
	"loom/internal/placeholder"
	"loom/internal/rts"
)

const (
	replicaToken         = "{replica}"
	pipelineReplicaToken = "{pipeline_replica}"
)

// Manifest is the decoded workflow file.
type Manifest struct {
	Name      string           `yaml:"name"`
	Resource  *rts.Description `yaml:"resource,omitempty"`
	Pipelines []PipelineSpec   `yaml:"pipelines"`
}

// PipelineSpec describes one pipeline.
type PipelineSpec struct {
	Name     string      `yaml:"name"`
	Replicas int         `yaml:"replicas,omitempty"`
	Stages   []StageSpec `yaml:"stages"`
}

// StageSpec describes one stage.
type StageSpec struct {
	Name  string     `yaml:"name"`
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec describes one task.
type TaskSpec struct {
	Name           string   `yaml:"name"`
	Replicas       int      `yaml:"replicas,omitempty"`
	Executable     string   `yaml:"executable"`
	Arguments      []string `yaml:"arguments,omitempty"`
	Cores          int      `yaml:"cores,omitempty"`
	PreExec        []string `yaml:"pre_exec,omitempty"`
	UploadInput    []string `yaml:"upload_input_data,omitempty"`
	CopyInput      []string `yaml:"copy_input_data,omitempty"`
	LinkInput      []string `yaml:"link_input_data,omitempty"`
	CopyOutput     []string `yaml:"copy_output_data,omitempty"`
	DownloadOutput []string `yaml:"download_output_data,omitempty"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest. Unknown keys are rejected.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structure and staging references without building
// entities.
func (m *Manifest) Validate() error {
	if len(m.Pipelines) == 0 {
		return errors.New("manifest: at least one pipeline is required")
	}
	for pi, p := range m.Pipelines {
		where := fmt.Sprintf("pipelines[%d]", pi)
		if p.Name != "" {
			where = fmt.Sprintf("pipeline %q", p.Name)
		}
		if p.Replicas < 0 {
			return fmt.Errorf("%s: replicas must be >= 0", where)
		}
		if len(p.Stages) == 0 {
			return fmt.Errorf("%s: at least one stage is required", where)
		}
		widths := make([]int, len(p.Stages))
		for si, s := range p.Stages {
			swhere := fmt.Sprintf("%s stage %d", where, si+1)
			if len(s.Tasks) == 0 {
				return fmt.Errorf("%s: at least one task is required", swhere)
			}
			for ti, t := range s.Tasks {
				twhere := fmt.Sprintf("%s task %d", swhere, ti+1)
				if strings.TrimSpace(t.Executable) == "" {
					return fmt.Errorf("%s: executable is required", twhere)
				}
				if t.Cores < 0 || t.Replicas < 0 {
					return fmt.Errorf("%s: cores and replicas must be >= 0", twhere)
				}
				widths[si] += max(t.Replicas, 1)
			}
		}
		for si, s := range p.Stages {
			for ti, t := range s.Tasks {
				twhere := fmt.Sprintf("%s stage %d task %d", where, si+1, ti+1)
				if err := checkDirectives(t, si+1, widths); err != nil {
					return fmt.Errorf("%s: %w", twhere, err)
				}
			}
		}
	}
	if m.Resource != nil {
		if m.Resource.Walltime < 0 || m.Resource.Cores < 0 {
			return errors.New("manifest resource: walltime and cores must be >= 0")
		}
	}
	return nil
}

var positionalRef = regexp.MustCompile(`^\$STAGE_(\d+)_TASK_(\d+)(/|$)`)

func checkDirectives(t TaskSpec, stageIndex int, widths []int) error {
	lists := [][]string{t.UploadInput, t.CopyInput, t.LinkInput, t.CopyOutput, t.DownloadOutput}
	for _, list := range lists {
		for _, line := range list {
			d, err := placeholder.ParseDirective(line)
			if err != nil {
				return err
			}
			match := positionalRef.FindStringSubmatch(d.Source)
			if match == nil {
				continue
			}
			stage, _ := strconv.Atoi(match[1])
			task, _ := strconv.Atoi(match[2])
			if stage < 1 || stage >= stageIndex {
				return fmt.Errorf("%q: stage %d is not an earlier stage", line, stage)
			}
			if task < 1 || task > widths[stage-1] {
				return fmt.Errorf("%q: stage %d has %d tasks", line, stage, widths[stage-1])
			}
		}
	}
	return nil
}

// Build creates fresh workflow entities. Each call yields new uids.
func (m *Manifest) Build() (*pipeline.Workflow, error) {
	wf := pipeline.NewWorkflow()
	for _, ps := range m.Pipelines {
		for r := 1; r <= max(ps.Replicas, 1); r++ {
			p := pipeline.NewPipeline(expand(ps.Name, r, ps.Replicas))
			for _, ss := range ps.Stages {
				s := pipeline.NewStage(ss.Name)
				for _, ts := range ss.Tasks {
					for tr := 1; tr <= max(ts.Replicas, 1); tr++ {
						s.AddTask(buildTask(ts, r, tr))
					}
				}
				p.AddStage(s)
			}
			if err := wf.AddPipeline(p); err != nil {
				return nil, err
			}
		}
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

func buildTask(ts TaskSpec, pipelineReplica, replica int) *pipeline.Task {
	tokens := strings.NewReplacer(
		replicaToken, strconv.Itoa(replica),
		pipelineReplicaToken, strconv.Itoa(pipelineReplica),
	)
	sub := func(values []string) []string {
		if len(values) == 0 {
			return nil
		}
		out := make([]string, len(values))
		for i, v := range values {
			out[i] = tokens.Replace(v)
		}
		return out
	}
	name := strings.ReplaceAll(ts.Name, pipelineReplicaToken, strconv.Itoa(pipelineReplica))
	t := pipeline.NewTask(expand(name, replica, ts.Replicas), ts.Executable, sub(ts.Arguments)...)
	if ts.Cores > 0 {
		t.Cores = ts.Cores
	}
	t.PreExec = sub(ts.PreExec)
	t.UploadInput = sub(ts.UploadInput)
	t.CopyInput = sub(ts.CopyInput)
	t.LinkInput = sub(ts.LinkInput)
	t.CopyOutput = sub(ts.CopyOutput)
	t.DownloadOutput = sub(ts.DownloadOutput)
	return t
}

// expand substitutes the replica token, or suffixes the replica number when
// a replicated name carries no token.
func expand(name string, replica, replicas int) string {
	if strings.Contains(name, replicaToken) {
		return strings.ReplaceAll(name, replicaToken, strconv.Itoa(replica))
	}
	if replicas > 1 && name != "" {
		return fmt.Sprintf("%s-%d", name, replica)
	}
	return name
}

// ResourceOr returns the manifest's resource description merged over
// fallback.
func (m *Manifest) ResourceOr(fallback rts.Description) rts.Description {
	if m.Resource == nil {
		return fallback
	}
	return m.Resource.Merge(fallback)
}
