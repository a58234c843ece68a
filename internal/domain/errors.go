package domain

import "errors"

var (
	// ErrLockContended — блокировка не получена в пределах wait-бюджета.
	// Временная ошибка: вызывающая сторона должна повторить с backoff.
	ErrLockContended = errors.New("lock contended")
	// ErrSlotsUnavailable — хотя бы один из запрошенных слотов занят.
	ErrSlotsUnavailable = errors.New("slots unavailable")
	// ErrPartialConflict — условное обновление задело 0 строк там, где обязано
	// было сработать. Сигнал бага, а не бизнес-отказ: резервирование целиком
	// откатывается.
	ErrPartialConflict = errors.New("partial slot conflict detected")
	// ErrSlotNotFound возвращается, если запись слота не найдена.
	ErrSlotNotFound = errors.New("slot record not found")
	// ErrTemplateNotFound возвращается, если шаблон слота не найден.
	ErrTemplateNotFound = errors.New("slot template not found")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists — заказ с таким номером уже создан.
	ErrOrderExists = errors.New("order already exists")
	// ErrStatusConflict — текущий статус заказа не входит в ожидаемое множество
	// предшественников перехода.
	ErrStatusConflict = errors.New("order status conflict")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrAmountMismatch — сумма платежа не совпала с суммой заказа.
	// Сообщение жёстко фейлится и уходит в DLQ, деньги молча не принимаем.
	ErrAmountMismatch = errors.New("payment amount mismatch")
	// ErrInvalidStatus — неизвестное значение статуса заказа в данных.
	ErrInvalidStatus = errors.New("unknown order status")
	// ErrInvalidPaymentStatus — неизвестное значение статуса оплаты.
	ErrInvalidPaymentStatus = errors.New("unknown payment status")
	// ErrPaymentStateMismatch — статус оплаты несовместим со статусом заказа.
	ErrPaymentStateMismatch = errors.New("payment status inconsistent with order status")

	// Ошибка отсутствующего идентификатора покупателя.
	ErrBuyerRequired = errors.New("buyer_id is required")
	// Ошибка отсутствия хотя бы одного слота в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("pay_amount_minor must be non-negative")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка отсутствующего идентификатора шаблона слота.
	ErrTemplateIDRequired = errors.New("template_id is required")
	// Ошибка некорректной даты бронирования.
	ErrBookingDateInvalid = errors.New("booking date must be YYYY-MM-DD")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsLockContended проверяет, является ли ошибка контеншном блокировки.
func IsLockContended(err error) bool {
	return errors.Is(err, ErrLockContended)
}

// IsBusinessRejection сообщает, что ошибка — нормальный бизнес-отказ,
// который показывается вызывающей стороне, а не системный сбой.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrSlotsUnavailable) || errors.Is(err, ErrStatusConflict)
}
