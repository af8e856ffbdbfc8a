package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/profiler"
	"loom/internal/services"
)

// Entity is anything governed by a state machine.
type Entity interface {
	UID() string
	Kind() Kind
	State() State
	SetState(State)
}

// Parented entities report their owners so sync consumers can locate them.
type Parented interface {
	Parents() (pipelineID, stageID string)
}

// Snapshotter entities attach their wire record to events. The coordinator
// uses it to learn about tasks it has not seen, such as resubmission clones.
type Snapshotter interface {
	Snapshot() ([]byte, error)
}

// Publisher is the subset of a channel broker the transitioner needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, body []byte) error
}

// TransitionerOptions configures a Transitioner.
type TransitionerOptions struct {
	// Channel is the sync channel name events are published to.
	Channel  string
	Source   string
	Profiler profiler.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Transitioner applies state changes and mirrors each one onto the sync
// channel. It holds no entity state; callers serialize access to entities
// they share (pipelines guard their stages and tasks with a lock).
type Transitioner struct {
	pub      Publisher
	channel  string
	source   string
	profiler profiler.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewTransitioner builds a transitioner publishing through pub.
func NewTransitioner(pub Publisher, opts TransitionerOptions) *Transitioner {
	t := &Transitioner{
		pub:      pub,
		channel:  opts.Channel,
		source:   opts.Source,
		profiler: opts.Profiler,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if t.profiler == nil {
		t.profiler = profiler.Nop{}
	}
	if t.logger == nil {
		t.logger = logging.NewNop()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Transition moves entity to target. Terminal entities and edges outside the
// entity's machine are rejected. When the sync event cannot be published the
// previous state is restored and the error returned.
func (t *Transitioner) Transition(ctx context.Context, entity Entity, target State) error {
	kind := entity.Kind()
	from := entity.State()
	if Terminal(kind, from) {
		return services.Wrap(services.ErrTransition, t.source, "transition",
			fmt.Sprintf("%s %s %s -> %s", kind, entity.UID(), from, target), ErrTerminal)
	}
	if !Allowed(kind, from, target) {
		return services.Wrap(services.ErrTransition, t.source, "transition",
			fmt.Sprintf("%s %s %s -> %s", kind, entity.UID(), from, target), ErrInvalidTransition)
	}
	return t.apply(ctx, entity, from, target, false)
}

// Rollback restores entity to an earlier state after a failed operation.
// The move is published with the rollback flag so mirrors can follow it.
func (t *Transitioner) Rollback(ctx context.Context, entity Entity, target State) error {
	kind := entity.Kind()
	from := entity.State()
	if !Valid(kind, target) {
		return services.Wrap(services.ErrTransition, t.source, "rollback",
			fmt.Sprintf("%s %s -> %s", kind, entity.UID(), target), ErrUnknownState)
	}
	if from == target {
		return nil
	}
	if Terminal(kind, from) {
		return services.Wrap(services.ErrTransition, t.source, "rollback",
			fmt.Sprintf("%s %s %s -> %s", kind, entity.UID(), from, target), ErrTerminal)
	}
	if Rank(kind, target) > Rank(kind, from) {
		return services.Wrap(services.ErrTransition, t.source, "rollback",
			fmt.Sprintf("%s %s %s -> %s is not backwards", kind, entity.UID(), from, target), ErrInvalidTransition)
	}
	metrics.RecordRollback(string(kind))
	return t.apply(ctx, entity, from, target, true)
}

func (t *Transitioner) apply(ctx context.Context, entity Entity, from, target State, rollback bool) error {
	entity.SetState(target)

	event := Event{
		UID:      entity.UID(),
		Kind:     entity.Kind(),
		From:     from,
		To:       target,
		Source:   t.source,
		Rollback: rollback,
		Time:     t.now().UTC(),
	}
	if p, ok := entity.(Parented); ok {
		event.PipelineID, event.StageID = p.Parents()
	}
	if s, ok := entity.(Snapshotter); ok {
		snap, err := s.Snapshot()
		if err != nil {
			entity.SetState(from)
			return services.Wrap(services.ErrTransition, t.source, "snapshot", entity.UID(), err)
		}
		event.Snapshot = snap
	}

	body, err := event.Encode()
	if err == nil {
		err = t.pub.Publish(ctx, t.channel, body)
	}
	if err != nil {
		entity.SetState(from)
		metrics.RecordRollback(string(event.Kind))
		return services.Wrap(services.ErrTransition, t.source, "publish",
			fmt.Sprintf("%s %s %s -> %s", event.Kind, event.UID, from, target), err)
	}

	t.profiler.Record("transition", event.UID, string(target))
	metrics.RecordTransition(string(event.Kind), string(target))
	if t.logger.Enabled(ctx, slog.LevelDebug) {
		t.logger.Debug("state transition",
			logging.String("uid", event.UID),
			logging.String("kind", string(event.Kind)),
			logging.String("from", string(from)),
			logging.String(logging.FieldState, string(target)),
			logging.Bool("rollback", rollback),
		)
	}
	return nil
}
