package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

type ServerConfig struct {
	Concurrency int
}

// Worker runs the asynq server that processes background tasks.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
	log *slog.Logger
}

// NewMux registers every task handler.
func NewMux(calendarSync *CalendarSyncHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeCalendarSync, calendarSync)
	return mux
}

func NewWorker(redisOpt asynq.RedisConnOpt, cfg ServerConfig, mux *asynq.ServeMux, log *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "jobs_worker")
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueCalendar: 3,
			"default":     1,
		},
		Logger:   slogAdapter{log},
		LogLevel: asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Warn("task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "err", err)
		}),
	})
	return &Worker{srv: srv, mux: mux, log: log}
}

// Start processes tasks in the background until Shutdown.
func (w *Worker) Start() error {
	if err := w.srv.Start(w.mux); err != nil {
		return fmt.Errorf("start asynq worker: %w", err)
	}
	w.log.Info("asynq worker started")
	return nil
}

func (w *Worker) Shutdown() {
	w.srv.Shutdown()
	w.log.Info("asynq worker stopped")
}

// slogAdapter lets asynq log through the service logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a slogAdapter) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a slogAdapter) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a slogAdapter) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a slogAdapter) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)) }
