package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

func orderEvent(id, orderNo, eventType string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: "order",
		AggregateID:   orderNo,
		EventType:     eventType,
		Payload:       []byte(`{"order_no":"` + orderNo + `"}`),
	}
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("msg-1", "VBS-1001", "OrderPaid"),
	}}
	broker := &fakeBroker{}

	worker := NewWorker(repo, broker, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	if got := repo.marked(&repo.sentIDs); len(got) != 1 || got[0] != "msg-1" {
		t.Fatalf("expected msg-1 marked sent, got %v", got)
	}
	if got := repo.marked(&repo.failedIDs); len(got) != 0 {
		t.Fatalf("expected no failed marks, got %v", got)
	}
	if got := broker.calls(); got != 1 {
		t.Fatalf("expected 1 publish call, got %d", got)
	}
}

func TestWorker_ProcessOnce_ExhaustedRetriesGoToDLQ(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("msg-2", "VBS-1002", "OrderCancelled"),
	}}
	broker := &fakeBroker{err: errors.New("broker down")}
	dlq := &fakeBroker{}

	worker := NewWorker(repo, broker,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)
	worker.ProcessOnce(context.Background())

	if got := broker.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := repo.marked(&repo.failedIDs); len(got) != 1 || got[0] != "msg-2" {
		t.Fatalf("expected msg-2 marked failed, got %v", got)
	}
	if got := repo.marked(&repo.sentIDs); len(got) != 0 {
		t.Fatalf("expected no sent marks, got %v", got)
	}
	if got := dlq.calls(); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}

	// DLQ-конверт содержит исходное событие и причину ошибки.
	var envelope map[string]any
	if err := json.Unmarshal(dlq.last().Payload, &envelope); err != nil {
		t.Fatalf("unmarshal dlq envelope: %v", err)
	}
	if envelope["outbox_id"] != "msg-2" {
		t.Errorf("expected outbox_id msg-2 in envelope, got %v", envelope["outbox_id"])
	}
	if envelope["publish_error"] == "" || envelope["publish_error"] == nil {
		t.Error("expected publish_error in dlq envelope")
	}
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &fakeOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("msg-3", "VBS-1003", "OrderCompleted"),
	}}
	broker := &fakeBroker{sequenceErrors: []error{
		errors.New("attempt 1"),
		errors.New("attempt 2"),
		nil,
	}}

	worker := NewWorker(repo, broker, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	if got := broker.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := repo.marked(&repo.sentIDs); len(got) != 1 {
		t.Fatalf("expected 1 sent mark, got %v", got)
	}
	if got := repo.marked(&repo.failedIDs); len(got) != 0 {
		t.Fatalf("expected no failed marks, got %v", got)
	}
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&fakeOutboxRepo{}, &fakeBroker{},
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_DefaultsForInvalidOptions(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&fakeOutboxRepo{}, &fakeBroker{},
		WithPollInterval(-1),
		WithBatchSize(0),
		WithMaxAttempts(-5),
		WithRetryBaseDelay(-time.Second),
	)

	if worker.pollInterval != defaultPollInterval {
		t.Errorf("expected default poll interval, got %v", worker.pollInterval)
	}
	if worker.batchSize != defaultBatchSize {
		t.Errorf("expected default batch size, got %d", worker.batchSize)
	}
	if worker.maxAttempts != defaultMaxAttempts {
		t.Errorf("expected default max attempts, got %d", worker.maxAttempts)
	}
	if worker.retryBaseDelay != 0 {
		t.Errorf("expected negative base delay clamped to 0, got %v", worker.retryBaseDelay)
	}
}

func TestWorker_RetryBackoffDoubles(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&fakeOutboxRepo{}, &fakeBroker{}, WithRetryBaseDelay(10*time.Millisecond))

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := worker.retryBackoff(tc.attempt); got != tc.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

type fakeOutboxRepo struct {
	mu        sync.Mutex
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (f *fakeOutboxRepo) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (f *fakeOutboxRepo) PullPending(limit int) ([]domain.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 || limit >= len(f.pending) {
		return append([]domain.OutboxMessage(nil), f.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), f.pending[:limit]...), nil
}

func (f *fakeOutboxRepo) Stats() (domain.OutboxStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := domain.OutboxStats{PendingCount: len(f.pending)}
	if len(f.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (f *fakeOutboxRepo) MarkSent(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentIDs = append(f.sentIDs, id)
	return nil
}

func (f *fakeOutboxRepo) MarkFailed(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedIDs = append(f.failedIDs, id)
	return nil
}

func (f *fakeOutboxRepo) marked(ids *[]string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), (*ids)...)
}

type fakeBroker struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	published      []domain.OutboxMessage
}

func (f *fakeBroker) Publish(msg domain.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, msg)
	if len(f.sequenceErrors) > 0 {
		err := f.sequenceErrors[0]
		f.sequenceErrors = f.sequenceErrors[1:]
		return err
	}
	return f.err
}

func (f *fakeBroker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeBroker) last() domain.OutboxMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return domain.OutboxMessage{}
	}
	return f.published[len(f.published)-1]
}

var (
	_ domain.OutboxRepository = (*fakeOutboxRepo)(nil)
	_ domain.OutboxPublisher  = (*fakeBroker)(nil)
)
