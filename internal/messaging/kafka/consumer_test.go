package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

type fakeConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeFn   func() error
}

func (f *fakeConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (f *fakeConsumerGroup) Errors() <-chan error { return f.errorsCh }

func (f *fakeConsumerGroup) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	if f.errorsCh != nil {
		close(f.errorsCh)
	}
	return nil
}

func (f *fakeConsumerGroup) Pause(map[string][]int32)  {}
func (f *fakeConsumerGroup) Resume(map[string][]int32) {}
func (f *fakeConsumerGroup) PauseAll()                 {}
func (f *fakeConsumerGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (f *fakeSession) Claims() map[string][]int32               { return nil }
func (f *fakeSession) MemberID() string                         { return "member" }
func (f *fakeSession) GenerationID() int32                      { return 1 }
func (f *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (f *fakeSession) Commit()                                  {}
func (f *fakeSession) ResetOffset(string, int32, int64, string) {}
func (f *fakeSession) Context() context.Context                 { return f.ctx }
func (f *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	f.marked = append(f.marked, msg)
}

type fakeClaim struct {
	topic    string
	messages chan *sarama.ConsumerMessage
}

func (f *fakeClaim) Topic() string                            { return f.topic }
func (f *fakeClaim) Partition() int32                         { return 0 }
func (f *fakeClaim) InitialOffset() int64                     { return 0 }
func (f *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (f *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return f.messages }

// eventMessage собирает входящее сообщение с заданным числом уже
// сделанных попыток.
func eventMessage(retries string) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{
		Topic: TopicOrderEvents,
		Key:   []byte("VBS-1001"),
		Value: []byte(`{"event_type":"OrderPaid"}`),
	}
	if retries != "" {
		msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(retries)}}
	}
	return msg
}

func nopHandler(context.Context, *sarama.ConsumerMessage) error { return nil }

func TestNewConsumerErrors(t *testing.T) {
	if _, err := NewConsumer([]string{"unreachable-broker:9092"}, "vbs-consumers", []string{TopicOrderEvents}, nopHandler); err == nil {
		t.Fatal("expected new consumer error")
	}
	if _, err := NewConsumerWithDLQ([]string{"unreachable-broker:9092"}, "vbs-consumers", []string{TopicOrderEvents}, nopHandler, nil, 3); err == nil {
		t.Fatal("expected new consumer with dlq error")
	}
}

func TestConsumerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumeCalls := 0
	errorsCh := make(chan error, 1)
	group := &fakeConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(_ context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
			consumeCalls++
			cancel()
			return nil
		},
		closeFn: func() error {
			close(errorsCh)
			return nil
		},
	}

	consumer := &Consumer{
		consumer:   group,
		topics:     []string{TopicOrderEvents},
		handler:    nopHandler,
		logger:     log.WithField("test", "consumer"),
		maxRetries: 2,
	}

	// Ошибка из фонового канала логируется и не валит Start.
	errorsCh <- errors.New("background error")
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := consumer.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if consumeCalls == 0 {
		t.Fatal("expected consume call")
	}
}

func TestConsumerStopError(t *testing.T) {
	errorsCh := make(chan error)
	group := &fakeConsumerGroup{errorsCh: errorsCh, closeFn: func() error {
		close(errorsCh)
		return errors.New("close failed")
	}}
	consumer := &Consumer{consumer: group, logger: log.WithField("test", "stop")}
	if err := consumer.Stop(); err == nil {
		t.Fatal("expected stop error")
	}
}

func TestConsumerSetupCleanup(t *testing.T) {
	consumer := &Consumer{}
	if err := consumer.Setup(nil); err != nil {
		t.Fatalf("setup should return nil: %v", err)
	}
	if err := consumer.Cleanup(nil); err != nil {
		t.Fatalf("cleanup should return nil: %v", err)
	}
}

func TestConsumeClaim_MarksProcessed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &Consumer{
		handler: nopHandler,
		logger:  log.WithField("test", "claim"),
	}

	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{topic: TopicOrderEvents, messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- eventMessage("")
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}
	if len(session.marked) != 1 {
		t.Fatalf("expected one marked message, got %d", len(session.marked))
	}
}

func TestConsumeClaim_FailedMessageNotMarked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &Consumer{
		handler:    func(context.Context, *sarama.ConsumerMessage) error { return errors.New("handler failed") },
		logger:     log.WithField("test", "claim-fail"),
		maxRetries: 1,
	}

	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{topic: TopicOrderEvents, messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- eventMessage("")
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}
	// Непомеченное сообщение будет доставлено повторно после ребаланса.
	if len(session.marked) != 0 {
		t.Fatalf("failed message should not be marked, got %d", len(session.marked))
	}
}

func TestHandleMessageWithRetry(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		consumer := &Consumer{
			handler:    nopHandler,
			logger:     log.WithField("test", "retry-success"),
			maxRetries: 2,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), eventMessage("")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("retry below limit", func(t *testing.T) {
		attempts := 0
		consumer := &Consumer{
			handler: func(context.Context, *sarama.ConsumerMessage) error {
				attempts++
				return errors.New("temporary")
			},
			logger:     log.WithField("test", "retry"),
			maxRetries: 3,
			retryDelay: 0,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), eventMessage("1")); err == nil {
			t.Fatal("expected retry error")
		}
		if attempts != 2 {
			t.Fatalf("expected 2 in-process attempts, got %d", attempts)
		}
	})

	t.Run("exhausted without dlq", func(t *testing.T) {
		consumer := &Consumer{
			handler:    func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			logger:     log.WithField("test", "max-no-dlq"),
			maxRetries: 3,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), eventMessage("3")); err == nil {
			t.Fatal("expected error when dlq is absent")
		}
	})

	t.Run("exhausted with dlq success", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndSucceed()
		consumer := &Consumer{
			handler:     func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			dlqProducer: &Producer{producer: mockProducer, logger: log.WithField("test", "dlq")},
			logger:      log.WithField("test", "max-dlq"),
			maxRetries:  3,
		}
		// После успешной отправки в DLQ сообщение считается обработанным.
		if err := consumer.handleMessageWithRetry(context.Background(), eventMessage("3")); err != nil {
			t.Fatalf("unexpected error after dlq publish: %v", err)
		}
		if err := mockProducer.Close(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("exhausted with dlq failure", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		consumer := &Consumer{
			handler:     func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			dlqProducer: &Producer{producer: mockProducer, logger: log.WithField("test", "dlq")},
			logger:      log.WithField("test", "max-dlq-fail"),
			maxRetries:  3,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), eventMessage("3")); err == nil {
			t.Fatal("expected dlq failure")
		}
		if err := mockProducer.Close(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestGetRetryCount(t *testing.T) {
	consumer := &Consumer{}

	if got := consumer.getRetryCount(eventMessage("5")); got != 5 {
		t.Fatalf("unexpected retry count: %d", got)
	}
	if got := consumer.getRetryCount(eventMessage("bad")); got != 0 {
		t.Fatalf("invalid retry count should fallback to 0, got %d", got)
	}
	if got := consumer.getRetryCount(eventMessage("")); got != 0 {
		t.Fatalf("missing header should give 0, got %d", got)
	}
}

func TestParseOrderEvent(t *testing.T) {
	raw := &sarama.ConsumerMessage{
		Value: []byte(`{"message_id":"m-1","event_type":"OrderPaid","order_no":"VBS-1001","buyer_id":"b-1","status":"paid"}`),
	}
	event, err := ParseOrderEvent(raw)
	if err != nil {
		t.Fatalf("ParseOrderEvent failed: %v", err)
	}
	if event.MessageID != "m-1" || event.OrderNo != "VBS-1001" {
		t.Fatalf("unexpected parsed event: %+v", event)
	}

	if _, err := ParseOrderEvent(&sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected ParseOrderEvent error for broken json")
	}
}

func TestSendToDLQ(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndSucceed()

	consumer := &Consumer{
		dlqProducer: &Producer{producer: mockProducer, logger: log.WithField("test", "send-dlq")},
		logger:      log.WithField("test", "consumer-send-dlq"),
	}

	msg := &sarama.ConsumerMessage{Topic: TopicOrderEvents, Partition: 1, Offset: 42, Key: []byte("VBS-1001"), Value: []byte("{}")}
	if err := consumer.sendToDLQ(msg, errors.New("handler gave up")); err != nil {
		t.Fatalf("sendToDLQ failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumeClaimStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := &Consumer{
		handler:    nopHandler,
		logger:     log.WithField("test", "claim-stop"),
		maxRetries: 1,
	}
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{topic: TopicOrderEvents, messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(session, claim)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}
