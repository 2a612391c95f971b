package feed

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/metrics"
)

// Handler processes one delivered batch of change records. Delivery is
// at-least-once: the same record may be handed to the handler again after a
// transient failure, so handlers must be idempotent.
type Handler func(ctx context.Context, records []ChangeRecord) error

// Consumer reads change records from the feed and delivers them in bounded
// batches. It runs a configurable number of parallel readers in one consumer
// group; within one delivered batch, records are processed sequentially by
// the handler.
type Consumer struct {
	cfg     config.FeedConfig
	handler Handler
	logger  *zap.Logger
	metrics *metrics.Metrics

	// now is injected for tests of the record-age cutoff.
	now func() time.Time

	newReader func() *kafka.Reader
}

// NewConsumer creates a consumer delivering batches to the given handler.
func NewConsumer(cfg config.FeedConfig, handler Handler, logger *zap.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		newReader: func() *kafka.Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  cfg.Brokers,
				Topic:    cfg.Topic,
				GroupID:  cfg.GroupID,
				MinBytes: 1,
				MaxBytes: 10e6,
			})
		},
	}
}

// Run starts the configured number of shard readers and blocks until the
// context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Parallelism; i++ {
		reader := c.newReader()
		wg.Add(1)
		go func(shard int, r *kafka.Reader) {
			defer wg.Done()
			defer r.Close()
			c.readLoop(ctx, shard, r)
		}(i, reader)
	}
	wg.Wait()
	return ctx.Err()
}

// readLoop fetches messages, assembles a bounded batch, delivers it, and
// commits the consumed offsets. Commit happens only after delivery, which
// is what makes redelivery possible and delivery at-least-once.
func (c *Consumer) readLoop(ctx context.Context, shard int, reader *kafka.Reader) {
	logger := c.logger.With(zap.Int("shard", shard))
	logger.Info("feed reader started",
		zap.String("topic", c.cfg.Topic),
		zap.String("group", c.cfg.GroupID))

	for {
		if ctx.Err() != nil {
			return
		}

		messages, records := c.fetchBatch(ctx, reader, logger)
		if len(messages) == 0 {
			continue
		}

		c.deliver(ctx, records, logger)

		if err := reader.CommitMessages(ctx, messages...); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
}

// fetchBatch collects up to BatchSize messages, waiting at most
// FlushInterval past the first message for the batch to fill.
func (c *Consumer) fetchBatch(ctx context.Context, reader *kafka.Reader, logger *zap.Logger) ([]kafka.Message, []ChangeRecord) {
	var (
		messages []kafka.Message
		records  []ChangeRecord
	)

	batchCtx := ctx
	var cancel context.CancelFunc

	for len(messages) < c.cfg.BatchSize {
		msg, err := reader.FetchMessage(batchCtx)
		if err != nil {
			// Deadline on a partial batch means the batch is ready.
			if batchCtx.Err() != nil && ctx.Err() == nil {
				break
			}
			if ctx.Err() != nil {
				break
			}
			logger.Warn("fetch failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		if cancel == nil {
			batchCtx, cancel = context.WithTimeout(ctx, c.cfg.FlushInterval)
		}

		var rec ChangeRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			logger.Warn("dropping undecodable change record",
				zap.Int64("offset", msg.Offset), zap.Error(err))
			c.metrics.DecodeFailures.Inc()
			messages = append(messages, msg)
			continue
		}

		messages = append(messages, msg)
		records = append(records, rec)
	}

	if cancel != nil {
		cancel()
	}
	return messages, records
}

// deliver hands records to the handler with bounded retries. On failure the
// batch is bisected so a single poison record cannot block its siblings;
// a lone record that keeps failing, or has exceeded the maximum record age,
// is dropped with a log and a metric.
func (c *Consumer) deliver(ctx context.Context, records []ChangeRecord, logger *zap.Logger) {
	if len(records) == 0 {
		return
	}

	err := c.handler(ctx, records)
	if err == nil {
		return
	}

	if len(records) == 1 {
		rec := records[0]
		if c.recordExpired(rec) {
			logger.Warn("dropping expired change record",
				zap.String("record_id", rec.RecordID))
			c.metrics.RecordsDropped.Inc()
			return
		}

		for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
			if err = c.handler(ctx, records); err == nil {
				return
			}
		}

		logger.Error("dropping poison change record",
			zap.String("record_id", rec.RecordID),
			zap.Error(err))
		c.metrics.RecordsDropped.Inc()
		return
	}

	mid := len(records) / 2
	c.deliver(ctx, records[:mid], logger)
	c.deliver(ctx, records[mid:], logger)
}

func (c *Consumer) recordExpired(rec ChangeRecord) bool {
	if c.cfg.MaxRecordAge <= 0 || rec.ApproximateArrival == 0 {
		return false
	}
	arrived := time.UnixMilli(rec.ApproximateArrival)
	return c.now().Sub(arrived) > c.cfg.MaxRecordAge
}
