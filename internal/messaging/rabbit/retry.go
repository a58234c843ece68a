package rabbit

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// retryAction — решение потребителя по неуспешно обработанному сообщению.
type retryAction int

const (
	// actionRetry — переиздать сообщение в retry-очередь шага.
	actionRetry retryAction = iota
	// actionDeadLetter — отправить сообщение в DLQ.
	actionDeadLetter
)

// permanentError помечает ошибку, по которой повтор бессмыслен:
// сообщение сразу уходит в DLQ независимо от числа оставшихся попыток.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent оборачивает ошибку как непригодную для повтора.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent сообщает, помечена ли ошибка как непригодная для повтора.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// decide выбирает действие по упавшему сообщению. attempt — число уже
// состоявшихся повторов (0 для первой доставки).
func decide(attempt, maxRetries int, err error) retryAction {
	if IsPermanent(err) {
		return actionDeadLetter
	}
	if attempt >= maxRetries {
		return actionDeadLetter
	}
	return actionRetry
}

// retryCount читает счётчик повторов из заголовков доставки.
func retryCount(headers amqp.Table) int {
	raw, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
