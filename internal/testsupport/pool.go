package testsupport

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"loom/internal/rts"
	"loom/internal/state"
)

// FakePool is a scripted rts.Pool. Units finish on their own goroutine with
// the exit code chosen by Exit (0 when nil) unless Hold is set, in which case
// they wait for Release.
type FakePool struct {
	Exit func(rts.Unit) int
	// SubmitErr, when set, is returned by every Submit.
	SubmitErr error
	Hold      bool

	shared string

	mu      sync.Mutex
	units   []rts.Unit
	held    map[string]func()
	closed  bool
	wg      sync.WaitGroup
	release chan struct{}
}

// NewFakePool returns a pool whose shared directory lives under dir.
func NewFakePool(dir string) *FakePool {
	return &FakePool{
		shared:  filepath.Join(dir, "shared"),
		held:    make(map[string]func()),
		release: make(chan struct{}),
	}
}

// Submit implements rts.Pool.
func (p *FakePool) Submit(_ context.Context, u rts.Unit, cb rts.Callback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SubmitErr != nil {
		return p.SubmitErr
	}
	if p.closed {
		return rts.ErrPoolClosed
	}
	p.units = append(p.units, u)
	p.wg.Add(1)
	finish := func(canceled bool) {
		defer p.wg.Done()
		res := rts.Result{UID: u.UID, Path: filepath.Join(p.shared, "..", u.UID)}
		if canceled {
			res.State, res.Err = state.Canceled, errors.New("pool closed")
		} else {
			code := 0
			if p.Exit != nil {
				code = p.Exit(u)
			}
			res.ExitCode = &code
			res.State = state.Done
			if code != 0 {
				res.State = state.Failed
			}
		}
		cb(res)
	}
	if !p.Hold {
		go finish(false)
		return nil
	}
	done := make(chan bool, 1)
	p.held[u.UID] = func() { done <- false }
	go func() {
		select {
		case canceled := <-done:
			finish(canceled)
		case <-p.release:
			finish(true)
		}
	}()
	return nil
}

// ReleaseAll finishes every held unit normally.
func (p *FakePool) ReleaseAll() {
	p.mu.Lock()
	held := p.held
	p.held = make(map[string]func())
	p.mu.Unlock()
	for _, fn := range held {
		fn()
	}
}

// Units returns the units submitted so far.
func (p *FakePool) Units() []rts.Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]rts.Unit(nil), p.units...)
}

// SharedDir implements rts.Pool.
func (p *FakePool) SharedDir() string { return p.shared }

// Close implements rts.Pool. Held units finish as CANCELED.
func (p *FakePool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.release)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
