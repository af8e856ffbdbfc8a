package rts_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"loom/internal/rts"
	"loom/internal/staging"
	"loom/internal/state"
)

func newPool(t *testing.T, cores int) *rts.LocalPool {
	t.Helper()
	pool, err := rts.NewLocalPool(rts.Description{
		Resource:   "local.localhost",
		Cores:      cores,
		SandboxDir: t.TempDir(),
	}, rts.LocalOptions{RunID: "run-test", WorkDir: t.TempDir(), StaleAfter: -1})
	if err != nil {
		t.Fatalf("NewLocalPool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	return pool
}

func submitAndWait(t *testing.T, pool rts.Pool, u rts.Unit) rts.Result {
	t.Helper()
	results := make(chan rts.Result, 1)
	if err := pool.Submit(context.Background(), u, func(r rts.Result) { results <- r }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case r := <-results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for unit result")
		return rts.Result{}
	}
}

func TestLocalPoolRunsUnitInSandbox(t *testing.T) {
	pool := newPool(t, 2)
	res := submitAndWait(t, pool, rts.Unit{
		UID:        "task.one",
		Executable: "/bin/sh",
		Arguments:  []string{"-c", "echo hello > out.txt; echo $LOOM_UNIT_ID"},
		Cores:      1,
	})
	if res.State != state.Done || res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Path != filepath.Join(pool.Root(), "task.one") {
		t.Fatalf("unexpected sandbox path %q", res.Path)
	}
	got, err := os.ReadFile(filepath.Join(res.Path, "out.txt"))
	if err != nil || strings.TrimSpace(string(got)) != "hello" {
		t.Fatalf("unexpected output %q err=%v", got, err)
	}
	stdout, _ := os.ReadFile(filepath.Join(res.Path, "STDOUT"))
	if strings.TrimSpace(string(stdout)) != "task.one" {
		t.Fatalf("expected unit id on stdout, got %q", stdout)
	}
}

func TestLocalPoolReportsNonZeroExit(t *testing.T) {
	pool := newPool(t, 1)
	res := submitAndWait(t, pool, rts.Unit{UID: "task.fail", Executable: "/bin/sh", Arguments: []string{"-c", "exit 3"}})
	if res.State != state.Failed || res.ExitCode == nil || *res.ExitCode != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestLocalPoolPreExec(t *testing.T) {
	pool := newPool(t, 1)
	res := submitAndWait(t, pool, rts.Unit{
		UID:        "task.env",
		Executable: "/bin/sh",
		Arguments:  []string{"-c", "echo $GREETING > greeting.txt"},
		PreExec:    []string{"GREETING=bonjour", "export GREETING"},
	})
	if res.State != state.Done {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := os.ReadFile(filepath.Join(res.Path, "greeting.txt"))
	if strings.TrimSpace(string(got)) != "bonjour" {
		t.Fatalf("expected pre_exec environment, got %q", got)
	}
}

func TestLocalPoolMissingExecutable(t *testing.T) {
	pool := newPool(t, 1)
	res := submitAndWait(t, pool, rts.Unit{UID: "task.missing", Executable: "/nonexistent/binary"})
	if res.State != state.Failed || res.ExitCode != nil || res.Err == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestLocalPoolStagesData(t *testing.T) {
	pool := newPool(t, 1)
	if err := os.WriteFile(filepath.Join(pool.SharedDir(), "input.gro"), []byte("coords"), 0o644); err != nil {
		t.Fatalf("write shared input: %v", err)
	}
	res := submitAndWait(t, pool, rts.Unit{
		UID:        "task.stage",
		Executable: "/bin/sh",
		Arguments:  []string{"-c", "cat input.gro > result.dat"},
		Inputs:     []staging.Transfer{{Mode: staging.ModeCopy, Source: "input.gro", Target: "input.gro"}},
		Outputs:    []staging.Transfer{{Mode: staging.ModeCopy, Source: "result.dat", Target: "collected/result.dat"}},
	})
	if res.State != state.Done {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, err := os.ReadFile(filepath.Join(pool.SharedDir(), "collected", "result.dat"))
	if err != nil || string(got) != "coords" {
		t.Fatalf("expected staged output, got %q err=%v", got, err)
	}
}

func TestLocalPoolInputStagingFailure(t *testing.T) {
	pool := newPool(t, 1)
	res := submitAndWait(t, pool, rts.Unit{
		UID:        "task.nostage",
		Executable: "/bin/true",
		Inputs:     []staging.Transfer{{Mode: staging.ModeCopy, Source: "absent.dat", Target: "absent.dat"}},
	})
	if res.State != state.Failed || res.ExitCode != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestLocalPoolRejectsOversizedAndDuplicateUnits(t *testing.T) {
	pool := newPool(t, 2)
	err := pool.Submit(context.Background(), rts.Unit{UID: "task.big", Executable: "/bin/true", Cores: 3}, nil)
	if !errors.Is(err, rts.ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}

	done := make(chan struct{})
	if err := pool.Submit(context.Background(), rts.Unit{UID: "task.dup", Executable: "/bin/true"}, func(rts.Result) { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-done
	if err := pool.Submit(context.Background(), rts.Unit{UID: "task.dup", Executable: "/bin/true"}, nil); !errors.Is(err, rts.ErrDuplicateUnit) {
		t.Fatalf("expected ErrDuplicateUnit, got %v", err)
	}
}

func TestLocalPoolBoundsConcurrency(t *testing.T) {
	pool := newPool(t, 2)
	marker := filepath.Join(t.TempDir(), "running")
	if err := os.MkdirAll(marker, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Each unit records how many peers are running while it runs.
	script := `touch "$MARK/$LOOM_UNIT_ID"; ls "$MARK" | wc -l > peers; sleep 0.2; rm "$MARK/$LOOM_UNIT_ID"`

	var wg sync.WaitGroup
	var mu sync.Mutex
	var paths []string
	for _, uid := range []string{"task.a", "task.b", "task.c", "task.d"} {
		wg.Add(1)
		err := pool.Submit(context.Background(), rts.Unit{
			UID:        uid,
			Executable: "/bin/sh",
			Arguments:  []string{"-c", script},
			PreExec:    []string{"MARK=" + marker, "export MARK"},
		}, func(r rts.Result) {
			mu.Lock()
			paths = append(paths, r.Path)
			mu.Unlock()
			wg.Done()
		})
		if err != nil {
			t.Fatalf("Submit %s: %v", uid, err)
		}
	}
	wg.Wait()
	for _, path := range paths {
		got, err := os.ReadFile(filepath.Join(path, "peers"))
		if err != nil {
			t.Fatalf("read peers: %v", err)
		}
		if n := strings.TrimSpace(string(got)); n != "1" && n != "2" {
			t.Fatalf("expected at most 2 concurrent units, saw %s", n)
		}
	}
}

func TestLocalPoolCloseCancelsRunningUnits(t *testing.T) {
	pool, err := rts.NewLocalPool(rts.Description{Resource: "local", Cores: 1, SandboxDir: t.TempDir()}, rts.LocalOptions{StaleAfter: -1})
	if err != nil {
		t.Fatalf("NewLocalPool: %v", err)
	}
	results := make(chan rts.Result, 2)
	for _, uid := range []string{"task.sleep", "task.queued"} {
		if err := pool.Submit(context.Background(), rts.Unit{UID: uid, Executable: "/bin/sh", Arguments: []string{"-c", "sleep 30"}}, func(r rts.Result) { results <- r }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := pool.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if time.Since(start) > 8*time.Second {
		t.Fatal("close waited for the sleeping unit instead of killing it")
	}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.State != state.Canceled {
			t.Fatalf("expected CANCELED, got %+v", r)
		}
	}
	if err := pool.Submit(context.Background(), rts.Unit{UID: "task.late", Executable: "/bin/true"}, nil); !errors.Is(err, rts.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestDescriptionValidate(t *testing.T) {
	base := rts.Description{Resource: "local.localhost", Walltime: 10, Cores: 2, SandboxDir: "/tmp/x"}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid description: %v", err)
	}
	remote := base
	remote.Resource = "xsede.stampede"
	if err := remote.Validate(); !errors.Is(err, rts.ErrUnsupportedResource) {
		t.Fatalf("expected ErrUnsupportedResource, got %v", err)
	}
	zero := base
	zero.Cores = 0
	if err := zero.Validate(); err == nil {
		t.Fatal("expected error for zero cores")
	}
	merged := rts.Description{Cores: 8}.Merge(base)
	if merged.Cores != 8 || merged.Resource != base.Resource || merged.Walltime != 10 {
		t.Fatalf("unexpected merge: %+v", merged)
	}
	if base.Deadline() != 10*time.Minute {
		t.Fatalf("unexpected deadline %s", base.Deadline())
	}
}
