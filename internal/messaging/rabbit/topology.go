// Package rabbit реализует подложку доставки сообщений саги поверх RabbitMQ:
// topic-маршрутизация, отложенная доставка и повторные попытки через
// TTL + dead-letter пересылку, финальная DLQ для ручного разбора.
package rabbit

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// MainExchange — основной topic-exchange шагов саги.
	MainExchange = "vbs.saga"
	// RetryExchange маршрутизирует сообщения в retry-очереди шагов.
	RetryExchange = "vbs.retry"
	// DelayExchange маршрутизирует отложенные (не retry) сообщения.
	DelayExchange = "vbs.delay"
	// FinalExchange — последняя остановка: сообщения, исчерпавшие попытки.
	FinalExchange = "vbs.dlx"
	// DLQQueue хранит сообщения для ручного разбора; не чистится автоматически.
	DLQQueue = "vbs.dlq"
	// DLQRoutingKey — ключ, по которому сообщения попадают в DLQ.
	DLQRoutingKey = "dead-letter"
)

// Заголовки retry-цикла.
const (
	HeaderRetryCount         = "x-retry-count"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderErrorMessage       = "x-error-message"
	HeaderFailedAt           = "x-failed-at"
)

// Step описывает один шаг саги и его retry-политику.
type Step struct {
	// Name — routing key шага в MainExchange.
	Name string
	// RetryTTL — пауза между повторными попытками (TTL retry-очереди).
	RetryTTL time.Duration
	// MaxRetries ограничивает число повторов до ухода в DLQ.
	MaxRetries int
}

// QueueName возвращает имя основной очереди шага.
func (s Step) QueueName() string { return fmt.Sprintf("%s.q", s.qualified()) }

// RetryQueueName возвращает имя retry-очереди шага.
func (s Step) RetryQueueName() string { return fmt.Sprintf("%s.retry.q", s.qualified()) }

// DelayQueueName возвращает имя очереди отложенной доставки шага.
func (s Step) DelayQueueName() string { return fmt.Sprintf("%s.delay.q", s.qualified()) }

func (s Step) qualified() string { return "vbs." + s.Name }

// Шаги саги. payment.success и payment.refund.success приходят извне
// (нормализованные callbacks шлюза), остальные ядро производит само.
var (
	StepPaymentSuccess = Step{Name: "payment.success", RetryTTL: 10 * time.Second, MaxRetries: 3}
	StepRefundSuccess  = Step{Name: "payment.refund.success", RetryTTL: 10 * time.Second, MaxRetries: 3}
	StepAutoCancel     = Step{Name: "order.autocancel", RetryTTL: 30 * time.Second, MaxRetries: 3}
	StepAutoComplete   = Step{Name: "order.autocomplete", RetryTTL: 30 * time.Second, MaxRetries: 3}
	StepSlotUnlock     = Step{Name: "slot.unlock", RetryTTL: 10 * time.Second, MaxRetries: 5}
)

// AllSteps возвращает все шаги саги.
func AllSteps() []Step {
	return []Step{StepPaymentSuccess, StepRefundSuccess, StepAutoCancel, StepAutoComplete, StepSlotUnlock}
}

// DeclareTopology идемпотентно объявляет exchanges и очереди всех шагов.
//
// Цикл доставки шага: main-exchange → main-queue; при ошибке хендлера
// сообщение переиздаётся в retry-exchange → retry-queue, где лежит RetryTTL
// и по истечении dead-letter'ится обратно в main-exchange с исходным
// routing key. Отложенные сообщения идут тем же маршрутом через
// delay-очередь, но с явным TTL на сообщении.
func DeclareTopology(ch *amqp.Channel, steps []Step) error {
	for _, exchange := range []string{MainExchange, RetryExchange, DelayExchange, FinalExchange} {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	dlq, err := ch.QueueDeclare(DLQQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}
	// В DLQ собирается всё, что исчерпало попытки, независимо от шага.
	if err := ch.QueueBind(dlq.Name, "#", FinalExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq: %w", err)
	}

	for _, step := range steps {
		if err := declareStep(ch, step); err != nil {
			return err
		}
	}
	return nil
}

func declareStep(ch *amqp.Channel, step Step) error {
	main, err := ch.QueueDeclare(step.QueueName(), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", step.QueueName(), err)
	}
	if err := ch.QueueBind(main.Name, step.Name, MainExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", main.Name, err)
	}

	// Retry-очередь: фиксированный TTL, по истечении — обратно в main.
	retry, err := ch.QueueDeclare(step.RetryQueueName(), true, false, false, false, amqp.Table{
		"x-message-ttl":             step.RetryTTL.Milliseconds(),
		"x-dead-letter-exchange":    MainExchange,
		"x-dead-letter-routing-key": step.Name,
	})
	if err != nil {
		return fmt.Errorf("declare retry queue %s: %w", step.RetryQueueName(), err)
	}
	if err := ch.QueueBind(retry.Name, step.Name, RetryExchange, false, nil); err != nil {
		return fmt.Errorf("bind retry queue %s: %w", retry.Name, err)
	}

	// Delay-очередь: TTL задаётся на каждом сообщении, очередь только
	// пересылает просроченное обратно в main.
	delay, err := ch.QueueDeclare(step.DelayQueueName(), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    MainExchange,
		"x-dead-letter-routing-key": step.Name,
	})
	if err != nil {
		return fmt.Errorf("declare delay queue %s: %w", step.DelayQueueName(), err)
	}
	if err := ch.QueueBind(delay.Name, step.Name, DelayExchange, false, nil); err != nil {
		return fmt.Errorf("bind delay queue %s: %w", delay.Name, err)
	}

	return nil
}

// StepByName возвращает шаг по routing key.
func StepByName(name string) (Step, bool) {
	for _, step := range AllSteps() {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}
