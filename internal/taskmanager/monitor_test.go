package taskmanager_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/channel"
	"loom/internal/services"
	"loom/internal/taskmanager"
	"loom/internal/testsupport"
)

func TestMonitorSeesLiveManager(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	var dead atomic.Int32
	mon := taskmanager.NewHeartbeatMonitor(f.broker, taskmanager.MonitorOptions{
		Names:        f.names,
		Interval:     5 * time.Millisecond,
		Timeout:      time.Second,
		PollInterval: time.Millisecond,
		OnDead:       func(error) { dead.Add(1) },
	})
	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	testsupport.WaitFor(t, 3*time.Second, "three heartbeats", func() bool {
		beats, _ := mon.Beats()
		return beats >= 3
	})
	if dead.Load() != 0 {
		t.Fatal("live manager reported dead")
	}
}

func TestMonitorDeclaresSilentManagerDeadOnce(t *testing.T) {
	f := newFixture(t)

	var dead atomic.Int32
	mon := taskmanager.NewHeartbeatMonitor(f.broker, taskmanager.MonitorOptions{
		Names:        f.names,
		Interval:     time.Millisecond,
		Timeout:      30 * time.Millisecond,
		PollInterval: time.Millisecond,
		OnDead:       func(error) { dead.Add(1) },
	})
	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	select {
	case err := <-mon.Err():
		if !errors.Is(err, taskmanager.ErrManagerDead) || !errors.Is(err, services.ErrLiveness) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for death report")
	}
	time.Sleep(50 * time.Millisecond)
	if got := dead.Load(); got != 1 {
		t.Fatalf("expected exactly one death report, got %d", got)
	}
	if n := f.broker.Len(f.names.HeartbeatRequest); n != 1 {
		t.Fatalf("monitor kept probing after death: %d requests", n)
	}
}

func TestMonitorIgnoresStaleReplies(t *testing.T) {
	f := newFixture(t)
	stale, err := json.Marshal(taskmanager.HeartbeatResponse{CorrelationID: "old"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := f.broker.Publish(context.Background(), f.names.HeartbeatResponse, stale); err != nil {
		t.Fatalf("publish stale reply: %v", err)
	}

	mon := taskmanager.NewHeartbeatMonitor(f.broker, taskmanager.MonitorOptions{
		Names:        f.names,
		Timeout:      30 * time.Millisecond,
		PollInterval: time.Millisecond,
	})
	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	select {
	case err := <-mon.Err():
		if !errors.Is(err, taskmanager.ErrManagerDead) {
			t.Fatalf("a stale reply must not count as a heartbeat: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for death report")
	}
	if beats, _ := mon.Beats(); beats != 0 {
		t.Fatalf("expected no beats, got %d", beats)
	}
}

func TestMonitorLogsMalformedReply(t *testing.T) {
	f := newFixture(t)
	if err := f.broker.Publish(context.Background(), f.names.HeartbeatResponse, []byte("{not json")); err != nil {
		t.Fatalf("publish malformed reply: %v", err)
	}

	var buf bytes.Buffer
	mon := taskmanager.NewHeartbeatMonitor(f.broker, taskmanager.MonitorOptions{
		Names:        f.names,
		Timeout:      30 * time.Millisecond,
		PollInterval: time.Millisecond,
		Logger:       slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-mon.Err():
		if !errors.Is(err, taskmanager.ErrManagerDead) {
			t.Fatalf("a malformed reply must not count as a heartbeat: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for death report")
	}
	mon.Stop()

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if record["msg"] != "discarding malformed heartbeat reply" {
			continue
		}
		found = true
		if msg, _ := record["error"].(string); !strings.Contains(msg, "decode heartbeat response") {
			t.Fatalf("expected the decode error in the record, got %v", record)
		}
	}
	if !found {
		t.Fatalf("expected a malformed-reply record, got %s", buf.String())
	}
}

// failingAck refuses every Ack.
type failingAck struct {
	*channel.Memory
}

func (failingAck) Ack(context.Context, channel.Delivery) error {
	return errors.New("ack refused")
}

func TestMonitorReportsAckFailure(t *testing.T) {
	f := newFixture(t)
	if err := f.broker.Publish(context.Background(), f.names.HeartbeatResponse, []byte(`{"correlation_id":"old"}`)); err != nil {
		t.Fatalf("publish reply: %v", err)
	}

	var dead atomic.Int32
	mon := taskmanager.NewHeartbeatMonitor(failingAck{f.broker}, taskmanager.MonitorOptions{
		Names:        f.names,
		Timeout:      time.Second,
		PollInterval: time.Millisecond,
		OnDead:       func(error) { dead.Add(1) },
	})
	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mon.Stop()

	select {
	case err := <-mon.Err():
		if !errors.Is(err, services.ErrChannel) || errors.Is(err, taskmanager.ErrManagerDead) {
			t.Fatalf("expected a channel error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the ack failure")
	}
	if dead.Load() != 0 {
		t.Fatal("an ack failure is not a dead manager")
	}
}
