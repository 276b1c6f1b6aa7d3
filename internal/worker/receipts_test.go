package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"checkout-service/internal/models"
	"checkout-service/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	m.Run()
}

type queueSource struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	drained   chan struct{}
}

func newQueueSource(msgs ...kafka.Message) *queueSource {
	return &queueSource{msgs: msgs, drained: make(chan struct{})}
}

func (q *queueSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	q.mu.Lock()
	if len(q.msgs) > 0 {
		msg := q.msgs[0]
		q.msgs = q.msgs[1:]
		q.mu.Unlock()
		return msg, nil
	}
	q.mu.Unlock()
	select {
	case <-q.drained:
	default:
		close(q.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (q *queueSource) Commit(_ context.Context, msg kafka.Message) error {
	q.mu.Lock()
	q.committed = append(q.committed, msg.Offset)
	q.mu.Unlock()
	return nil
}

type stubSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (s *stubSender) SendReceipt(_ context.Context, n *models.PaymentNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("mailer unavailable")
	}
	s.sent = append(s.sent, n.Reference)
	return nil
}

func notification(t *testing.T, offset int64, ref string, status models.PaymentStatus) kafka.Message {
	t.Helper()
	value, err := json.Marshal(models.PaymentNotification{
		Reference: ref,
		Type:      models.PaymentTypeVote,
		Status:    status,
		Email:     "voter@example.com",
		Amount:    100000,
		Currency:  "NGN",
	})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(ref), Value: value}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestReceiptWorkerSendsOnlyCompleted(t *testing.T) {
	source := newQueueSource(
		notification(t, 1, "VOTE_A", models.PaymentCompleted),
		notification(t, 2, "VOTE_B", models.PaymentFailed),
		kafka.Message{Offset: 3, Value: []byte("{not json")},
		notification(t, 4, "VOTE_C", models.PaymentCompleted),
	)
	sender := &stubSender{}
	w := NewReceiptWorker(source, sender, ReceiptWorkerConfig{})
	w.sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-source.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the queue")
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"VOTE_A", "VOTE_C"}, sender.sent)
	assert.Equal(t, []int64{1, 2, 3, 4}, source.committed)
}

func TestReceiptWorkerRetriesThenGivesUp(t *testing.T) {
	sender := &stubSender{fails: 2}
	w := NewReceiptWorker(newQueueSource(), sender, ReceiptWorkerConfig{MaxRetries: 3})
	var waits []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	w.Handle(context.Background(), notification(t, 1, "TKT_A", models.PaymentCompleted))
	assert.Equal(t, []string{"TKT_A"}, sender.sent)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)

	sender.fails = 5
	w.Handle(context.Background(), notification(t, 2, "TKT_B", models.PaymentCompleted))
	assert.Equal(t, []string{"TKT_A"}, sender.sent)
	assert.Equal(t, 2, sender.fails)
}
