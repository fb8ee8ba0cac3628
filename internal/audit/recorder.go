package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"account-recovery-service/internal/bucketing"
	"account-recovery-service/internal/client"
	"account-recovery-service/internal/config"
	"account-recovery-service/internal/models"
	"account-recovery-service/internal/util"
)

const (
	flushInterval = 5 * time.Second
	maxBatchSize  = 500
)

const insertEventQuery = `
    INSERT INTO recovery_audit_events (
        event_bucket, event_id, identity_id, event_date, event_time,
        event_type, success, counts_by_kind, details
    )`

// Recorder is the audit side channel. Events are buffered and flushed
// in batches; recording never blocks or fails a lifecycle transition.
type Recorder interface {
	Record(ctx context.Context, event *models.AuditEvent)
	Close() error
}

type ClickHouseRecorder struct {
	clickhouse *client.ClickHouseClient
	producer   *client.KafkaProducer
	bucketMgr  *bucketing.Manager
	eventTopic string

	mu     sync.Mutex
	buffer []*models.AuditEvent
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewClickHouseRecorder(ch *client.ClickHouseClient, producer *client.KafkaProducer, bucketMgr *bucketing.Manager, cfg *config.Config) *ClickHouseRecorder {
	r := &ClickHouseRecorder{
		clickhouse: ch,
		producer:   producer,
		bucketMgr:  bucketMgr,
		eventTopic: cfg.Kafka.EventTopic,
		buffer:     make([]*models.AuditEvent, 0, maxBatchSize),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// Record buffers the event for the next flush and mirrors it onto the
// event stream. Counts are attached by the caller; the recorder never
// recomputes them.
func (r *ClickHouseRecorder) Record(ctx context.Context, event *models.AuditEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	event.EventDate = event.EventTime.Format("2006-01-02")
	event.EventBucket = r.bucketMgr.GetEventBucket(event.EventID)

	r.publishEvent(ctx, event)

	r.mu.Lock()
	r.buffer = append(r.buffer, event)
	shouldFlush := len(r.buffer) >= maxBatchSize
	r.mu.Unlock()

	if shouldFlush {
		r.flush()
	}
}

func (r *ClickHouseRecorder) publishEvent(ctx context.Context, event *models.AuditEvent) {
	if r.producer == nil {
		return
	}
	value, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal audit event", zap.Error(err))
		return
	}
	if err := r.producer.ProduceMessage(ctx, r.eventTopic, []byte(event.IdentityID), value, nil); err != nil {
		util.Warn("Failed to publish audit event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func (r *ClickHouseRecorder) flushLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.stopCh:
			r.flush()
			return
		}
	}
}

func (r *ClickHouseRecorder) flush() {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	pending := r.buffer
	r.buffer = make([]*models.AuditEvent, 0, maxBatchSize)
	r.mu.Unlock()

	rows := make([][]interface{}, 0, len(pending))
	for _, event := range pending {
		counts, err := json.Marshal(event.CountsByKind)
		if err != nil {
			util.Error("Failed to marshal audit counts", zap.Error(err))
			counts = []byte("{}")
		}
		rows = append(rows, []interface{}{
			event.EventBucket,
			event.EventID,
			event.IdentityID,
			event.EventDate,
			event.EventTime,
			event.EventType,
			event.Success,
			string(counts),
			event.Details,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.clickhouse.BatchInsert(ctx, insertEventQuery, rows); err != nil {
		util.Error("Failed to flush audit events",
			zap.Int("count", len(rows)),
			zap.Error(err))
		return
	}

	util.Debug("Audit events flushed", zap.Int("count", len(rows)))
}

func (r *ClickHouseRecorder) Close() error {
	close(r.stopCh)
	<-r.doneCh
	return nil
}
