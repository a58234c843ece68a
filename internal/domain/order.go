package domain

import "time"

// OrderStatus описывает жизненный цикл заказа бронирования.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, слоты зарезервированы, оплата не получена.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid — оплата подтверждена платёжным шлюзом.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusConfirmed — мерчант подтвердил заказ.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusCompleted — заказ завершён (вручную или автозавершением).
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled — заказ отменён до оплаты.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefundApplying — покупатель подал заявку на возврат.
	OrderStatusRefundApplying OrderStatus = "refund_applying"
	// OrderStatusRefunding — возврат одобрен, ждём подтверждения шлюза.
	OrderStatusRefunding OrderStatus = "refunding"
	// OrderStatusRefunded — возврат завершён полностью.
	OrderStatusRefunded OrderStatus = "refunded"
	// OrderStatusPartiallyRefunded — возвращена часть суммы.
	OrderStatusPartiallyRefunded OrderStatus = "partially_refunded"
	// OrderStatusRefundRejected — мерчант отклонил заявку на возврат.
	OrderStatusRefundRejected OrderStatus = "refund_rejected"
	// OrderStatusRefundCancelled — покупатель отозвал заявку на возврат.
	OrderStatusRefundCancelled OrderStatus = "refund_cancelled"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusConfirmed,
		OrderStatusCompleted, OrderStatusCancelled,
		OrderStatusRefundApplying, OrderStatusRefunding, OrderStatusRefunded,
		OrderStatusPartiallyRefunded, OrderStatusRefundRejected, OrderStatusRefundCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, достиг ли заказ конечного состояния.
// Из конечного состояния не существует переходов.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusCompleted, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// MidRefund сообщает, находится ли заказ в процессе возврата.
// Такие заказы нельзя автозавершать — таймер перепланируется.
func (s OrderStatus) MidRefund() bool {
	return s == OrderStatusRefundApplying || s == OrderStatusRefunding
}

// statusPredecessors фиксирует допустимые предшественники каждого статуса.
// Переход из состояния вне этого множества — либо идемпотентный no-op,
// либо бизнес-конфликт, в зависимости от консьюмера.
var statusPredecessors = map[OrderStatus][]OrderStatus{
	OrderStatusPaid:      {OrderStatusPending},
	OrderStatusConfirmed: {OrderStatusPaid},
	OrderStatusCompleted: {
		OrderStatusPaid, OrderStatusConfirmed,
		OrderStatusPartiallyRefunded, OrderStatusRefundRejected, OrderStatusRefundCancelled,
	},
	OrderStatusCancelled:         {OrderStatusPending},
	OrderStatusRefundApplying:    {OrderStatusPaid, OrderStatusConfirmed},
	OrderStatusRefunding:         {OrderStatusRefundApplying},
	OrderStatusRefunded:          {OrderStatusRefunding},
	OrderStatusPartiallyRefunded: {OrderStatusRefunding},
	OrderStatusRefundRejected:    {OrderStatusRefundApplying},
	OrderStatusRefundCancelled:   {OrderStatusRefundApplying},
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to OrderStatus) bool {
	for _, p := range statusPredecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Predecessors возвращает множество допустимых предшественников статуса.
func Predecessors(to OrderStatus) []OrderStatus {
	preds := statusPredecessors[to]
	out := make([]OrderStatus, len(preds))
	copy(out, preds)
	return out
}

// PaymentStatus — вторичная ось состояния заказа: судьба денег.
type PaymentStatus string

const (
	// PaymentStatusUnpaid — средства не получены.
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	// PaymentStatusRefundPending — деньги пришли к отменённому заказу и
	// компенсирующий возврат уже запрошен у шлюза, подтверждение не получено.
	// Маркер пишется до запроса к шлюзу: повторная доставка callback-а
	// оплаты видит его и не запрашивает возврат второй раз.
	PaymentStatusRefundPending PaymentStatus = "refund_pending"
	// PaymentStatusPaid — средства получены полностью.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusPartialRefund — возвращена часть средств.
	PaymentStatusPartialRefund PaymentStatus = "partial_refund"
	// PaymentStatusFullRefund — средства возвращены полностью.
	PaymentStatusFullRefund PaymentStatus = "full_refund"
)

// Valid проверяет, что статус оплаты относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusUnpaid, PaymentStatusRefundPending, PaymentStatusPaid,
		PaymentStatusPartialRefund, PaymentStatusFullRefund:
		return true
	default:
		return false
	}
}

// OrderItem — одна позиция заказа: зарезервированный слот.
type OrderItem struct {
	ID           string
	OrderNo      string
	SlotRecordID string
	TemplateID   int64
	BookingDate  string // "2006-01-02"
	StartTime    string // "15:04"
	EndTime      string // "15:04"
	PriceMinor   int64
	CreatedAt    time.Time
}

// Order агрегирует состояние заказа бронирования и его позиции.
type Order struct {
	OrderNo          string
	BuyerID          string
	SellerID         string
	SellerType       string
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	PayAmountMinor   int64
	TradeNo          string
	OutTradeNo       string
	PendingExpiresAt time.Time
	PaidAt           time.Time
	Items            []OrderItem
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LatestEndInstant возвращает самый поздний момент окончания слотов заказа —
// цель таймера автозавершения.
func (o *Order) LatestEndInstant(loc *time.Location) (time.Time, error) {
	if len(o.Items) == 0 {
		return time.Time{}, ErrItemsRequired
	}
	var latest time.Time
	for _, item := range o.Items {
		end, err := SlotEndInstant(item.BookingDate, item.EndTime, loc)
		if err != nil {
			return time.Time{}, err
		}
		if end.After(latest) {
			latest = end
		}
	}
	return latest, nil
}

// SlotRecordIDs возвращает идентификаторы зарезервированных записей слотов.
func (o *Order) SlotRecordIDs() []string {
	ids := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		ids = append(ids, item.SlotRecordID)
	}
	return ids
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.BuyerID == "" {
		errs = append(errs, ErrBuyerRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.PayAmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrInvalidStatus)
	}
	if !o.PaymentStatus.Valid() {
		errs = append(errs, ErrInvalidPaymentStatus)
	}

	// Сверяем сумму заказа с суммой позиций.
	var calc int64
	for _, item := range o.Items {
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += item.PriceMinor
	}
	if calc != o.PayAmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	// Полученные деньги несовместимы с неоплаченными состояниями заказа.
	if o.PaymentStatus == PaymentStatusPaid &&
		(o.Status == OrderStatusPending || o.Status == OrderStatusCancelled) {
		errs = append(errs, ErrPaymentStateMismatch)
	}
	if o.PaymentStatus == PaymentStatusUnpaid && o.Status != OrderStatusPending && o.Status != OrderStatusCancelled {
		errs = append(errs, ErrPaymentStateMismatch)
	}
	// Компенсирующий возврат существует только у отменённого заказа.
	if o.PaymentStatus == PaymentStatusRefundPending && o.Status != OrderStatusCancelled {
		errs = append(errs, ErrPaymentStateMismatch)
	}

	return errs
}
