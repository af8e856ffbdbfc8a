package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loom/internal/logging"
)

var (
	stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_state_transitions_total",
			Help: "State transitions applied by entity kind and target state",
		},
		[]string{"kind", "state"},
	)

	transitionRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_state_rollbacks_total",
			Help: "Transitions undone because the sync event could not be published, plus explicit rollbacks",
		},
		[]string{"kind"},
	)

	channelMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_channel_messages_total",
			Help: "Channel operations by channel name and operation",
		},
		[]string{"channel", "op"},
	)

	resubmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_task_resubmissions_total",
			Help: "Failed tasks replaced by a fresh clone",
		},
	)

	managerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_taskmanager_restarts_total",
			Help: "Task manager restarts by cause",
		},
		[]string{"cause"},
	)

	unitsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_units_running",
			Help: "Units currently executing in the local pool",
		},
	)
)

// RecordTransition counts one applied transition.
func RecordTransition(kind, state string) {
	stateTransitions.WithLabelValues(kind, state).Inc()
}

// RecordRollback counts one undone or explicit rollback transition.
func RecordRollback(kind string) {
	transitionRollbacks.WithLabelValues(kind).Inc()
}

// RecordChannelOp counts a channel operation (publish, get, ack, nack, purge).
func RecordChannelOp(channel, op string) {
	channelMessages.WithLabelValues(channel, op).Inc()
}

// RecordResubmission counts one failed task replaced by a clone.
func RecordResubmission() {
	resubmissions.Inc()
}

// RecordManagerRestart counts a supervised task manager restart.
func RecordManagerRestart(cause string) {
	managerRestarts.WithLabelValues(cause).Inc()
}

// UnitStarted and UnitFinished track the running-unit gauge.
func UnitStarted()  { unitsRunning.Inc() }
func UnitFinished() { unitsRunning.Dec() }

// Serve exposes the default registry on bind until ctx is cancelled. An
// empty bind is a no-op.
func Serve(ctx context.Context, bind string, logger *slog.Logger) error {
	if bind == "" {
		return nil
	}
	logger = logging.NewComponentLogger(logger, "metrics")

	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", logging.String("bind", listener.Addr().String()))
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.WarnWithContext(logger, "metrics listener stopped", "metrics_serve_failed", logging.Error(err))
		}
	}()
	return nil
}
