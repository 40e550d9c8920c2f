package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const fetchRetryDelay = time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes report jobs to a topic keyed by order id and, when
// started, consumes them as part of a consumer group.
type Kafka struct {
	log       *zap.Logger
	topic     string
	writer    messageWriter
	newReader func() messageReader

	mu     sync.Mutex
	reader messageReader
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewKafka(cfg config.KafkaConfig, log *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka dispatcher requires KAFKA_BROKERS")
	}
	if cfg.ReportTopic == "" {
		return nil, errors.New("kafka dispatcher requires KAFKA_REPORT_TOPIC")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.ReportTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	newReader := func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			GroupID: cfg.GroupID,
			Topic:   cfg.ReportTopic,
		})
	}
	return newKafka(cfg.ReportTopic, writer, newReader, log), nil
}

func newKafka(topic string, writer messageWriter, newReader func() messageReader, log *zap.Logger) *Kafka {
	return &Kafka{
		log:       log.Named("dispatcher.kafka").With(zap.String("topic", topic)),
		topic:     topic,
		writer:    writer,
		newReader: newReader,
	}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Dispatch(ctx context.Context, job domain.Job) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return domain.ErrDispatcherClosed
	}

	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode report job: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(job.OrderID.String()),
		Value: value,
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &msg.Headers})

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish report job: %w", err)
	}
	return nil
}

// Start consumes in the background until Stop or ctx ends. Offsets are
// committed after the handler returns; failed builds are already recorded on
// the order and retried through the API, not redelivered.
func (k *Kafka) Start(ctx context.Context, h domain.Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return domain.ErrDispatcherClosed
	}
	if k.reader != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	k.reader = k.newReader()
	k.cancel = cancel
	k.done = make(chan struct{})

	go k.consume(runCtx, k.reader, h, k.done)
	k.log.Info("report consumer started")
	return nil
}

func (k *Kafka) consume(ctx context.Context, reader messageReader, h domain.Handler, done chan struct{}) {
	defer close(done)
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.log.Warn("failed to fetch report job", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		k.process(ctx, msg, h)

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			k.log.Warn("failed to commit report job", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (k *Kafka) process(ctx context.Context, msg kafka.Message, h domain.Handler) {
	var job domain.Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		k.log.Error("dropping undecodable report job", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}

	headers := msg.Headers
	jobCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &headers})
	if err := h(jobCtx, job); err != nil {
		k.log.Warn("report job failed",
			zap.String("order_id", job.OrderID.String()),
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
	}
}

func (k *Kafka) Stop(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	reader, cancel, done := k.reader, k.cancel, k.done
	k.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	if err := k.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return errors.Join(errs...)
}

// headerCarrier adapts kafka headers to the otel propagation carrier.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
