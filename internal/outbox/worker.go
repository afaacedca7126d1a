// Package outbox relays booking events from the database outbox table to
// NATS. Writers append rows in the same transaction scope as their state
// change; the worker drains them in order with at-least-once delivery.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	publishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_outbox_publish_total",
		Help: "Outbox rows relayed to the bus.",
	})
	failTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_outbox_fail_total",
		Help: "Outbox rows abandoned after exhausting retries.",
	})
	lagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_outbox_lag_seconds",
		Help: "Age of the oldest row in the last drained batch.",
	})
)

// WorkerConfig tunes the relay loop.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	return c
}

type busPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker drains unpublished outbox rows and republishes them on NATS.
type Worker struct {
	db        *sql.DB
	publisher busPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
}

func NewWorker(db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		db:        db,
		publisher: conn,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		tracer:    otel.Tracer("booking.outbox"),
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox worker requires database and bus connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.drainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type row struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

func (w *Worker) drainOnce(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()
	rows, tx, err := w.lockPending(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return tx.Commit()
	}
	ids := make([]int64, 0, len(rows))
	oldest := 0.0
	for _, rec := range rows {
		if err := w.publishWithRetry(ctx, rec); err != nil {
			_ = tx.Rollback()
			return err
		}
		ids = append(ids, rec.ID)
		publishTotal.Inc()
		if age := time.Since(rec.CreatedAt).Seconds(); age > oldest {
			oldest = age
		}
	}
	lagSeconds.Set(oldest)
	if err := w.markPublished(ctx, tx, ids); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// lockPending claims a batch with SKIP LOCKED so multiple workers can drain
// the same table without duplicating deliveries.
func (w *Worker) lockPending(ctx context.Context) ([]row, *sql.Tx, error) {
	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	result, err := tx.QueryContext(ctx,
		`SELECT id, topic, payload, created_at FROM outbox WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`,
		w.cfg.BatchSize)
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("select outbox: %w", err)
	}
	defer result.Close()
	var rows []row
	for result.Next() {
		var rec row
		if err := result.Scan(&rec.ID, &rec.Topic, &rec.Payload, &rec.CreatedAt); err != nil {
			_ = tx.Rollback()
			return nil, nil, fmt.Errorf("scan outbox: %w", err)
		}
		rows = append(rows, rec)
	}
	if err := result.Err(); err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return rows, tx, nil
}

func (w *Worker) markPublished(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf("UPDATE outbox SET published = true WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (w *Worker) publishWithRetry(ctx context.Context, rec row) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish")
	defer span.End()
	if rec.Topic == "" {
		return errors.New("outbox row missing topic")
	}
	msg := nats.NewMsg(rec.Topic)
	msg.Data = rec.Payload
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	var attempt int
	for {
		attempt++
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", rec.ID))
		if attempt >= w.cfg.RetryMax {
			failTotal.Inc()
			return fmt.Errorf("publish outbox %d: %w", rec.ID, err)
		}
		backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
