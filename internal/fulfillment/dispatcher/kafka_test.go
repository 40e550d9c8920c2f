package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type fakeReader struct {
	incoming  chan kafka.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case msg := <-r.incoming:
		return msg, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func tracedContext(t *testing.T) (context.Context, trace.TraceID) {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc), traceID
}

func TestKafkaDispatchPublishesKeyedJob(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	writer := &fakeWriter{}
	k := newKafka("fortune.report.jobs", writer, nil, zap.NewNop())

	ctx, _ := tracedContext(t)
	job := domain.Job{JobID: "job-1", OrderID: 42, AccountID: 7, SajuKey: "1990-05-17_14_male"}
	require.NoError(t, k.Dispatch(ctx, job))

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	assert.Equal(t, "42", string(msg.Key))

	var decoded domain.Job
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, job, decoded)
	assert.NotEmpty(t, headerCarrier{headers: &msg.Headers}.Get("traceparent"))
}

func TestKafkaConsumerHandlesAndCommits(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	writer := &fakeWriter{}
	reader := &fakeReader{incoming: make(chan kafka.Message, 4)}
	k := newKafka("fortune.report.jobs", writer, func() messageReader { return reader }, zap.NewNop())

	ctx, traceID := tracedContext(t)
	require.NoError(t, k.Dispatch(ctx, domain.Job{JobID: "job-1", OrderID: 42}))
	published := writer.msgs[0]
	published.Offset = 10
	reader.incoming <- published
	reader.incoming <- kafka.Message{Offset: 11, Value: []byte("not json")}

	handled := make(chan trace.TraceID, 1)
	require.NoError(t, k.Start(context.Background(), func(ctx context.Context, job domain.Job) error {
		assert.Equal(t, "job-1", job.JobID)
		handled <- trace.SpanContextFromContext(ctx).TraceID()
		return nil
	}))

	select {
	case got := <-handled:
		assert.Equal(t, traceID, got)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not handled")
	}
	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{10, 11}, reader.commits())

	require.NoError(t, k.Stop(context.Background()))
	assert.True(t, reader.closed)
	assert.True(t, writer.closed)
	assert.ErrorIs(t, k.Dispatch(context.Background(), domain.Job{OrderID: 1}), domain.ErrDispatcherClosed)
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	_, err := NewKafka(config.KafkaConfig{ReportTopic: "jobs"}, zap.NewNop())
	assert.Error(t, err)

	k, err := NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}, ReportTopic: "jobs", GroupID: "g"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "kafka", k.Name())
	require.NoError(t, k.Stop(context.Background()))
}
