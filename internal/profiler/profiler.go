package profiler

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Recorder receives one timestamp per lifecycle event.
type Recorder interface {
	Record(event, uid, state string)
}

// Nop discards every record.
type Nop struct{}

func (Nop) Record(string, string, string) {}

// Profiler appends `time,component,event,uid,state` rows to a CSV file named
// after its component inside the run directory.
type Profiler struct {
	component string
	now       func() time.Time

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	err    error
}

// New opens (or creates) <dir>/<component>.prof.
func New(dir, component string) (*Profiler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile directory: %w", err)
	}
	path := filepath.Join(dir, component+".prof")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open profile %s: %w", path, err)
	}
	return &Profiler{component: component, now: time.Now, file: file, writer: csv.NewWriter(file)}, nil
}

// Record writes a row. Write errors are kept and surfaced by Close.
func (p *Profiler) Record(event, uid, state string) {
	if p == nil {
		return
	}
	ts := strconv.FormatFloat(float64(p.now().UnixNano())/1e9, 'f', 6, 64)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	p.err = p.writer.Write([]string{ts, p.component, event, uid, state})
}

// Flush pushes buffered rows to disk.
func (p *Profiler) Flush() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer.Flush()
	if p.err == nil {
		p.err = p.writer.Error()
	}
	return p.err
}

// Close flushes and closes the underlying file.
func (p *Profiler) Close() error {
	if p == nil {
		return nil
	}
	flushErr := p.Flush()
	closeErr := p.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
