package domain

import "time"

// Контракты сообщений саги (§ брокер). Все сообщения плоские и
// версионируемые; поля, участвующие в проверках идемпотентности
// (order_no, record_ids, временные метки), не удаляются между версиями.

// PaymentSuccess — нормализованный callback платёжного шлюза.
type PaymentSuccess struct {
	OrderNo          string    `json:"order_no"`
	TradeNo          string    `json:"trade_no"`
	OutTradeNo       string    `json:"out_trade_no"`
	TotalAmountMinor int64     `json:"total_amount_minor"`
	PaymentAt        time.Time `json:"payment_at"`
}

// OrderAutoCancel — отложенное сообщение на автоотмену неоплаченного заказа.
type OrderAutoCancel struct {
	OrderNo     string   `json:"order_no"`
	RecordIDs   []string `json:"record_ids"`
	BookingDate string   `json:"booking_date"`
	SellerType  string   `json:"seller_type"`
}

// OrderAutoComplete — отложенное сообщение на автозавершение заказа.
// RetryCount считает перепланирования, пока заказ находится в возврате.
type OrderAutoComplete struct {
	OrderNo    string `json:"order_no"`
	RetryCount int    `json:"retry_count"`
}

// PaymentRefundSuccess — подтверждение возврата от платёжного шлюза.
type PaymentRefundSuccess struct {
	OrderNo           string `json:"order_no"`
	RefundApplyID     string `json:"refund_apply_id"`
	RefundAmountMinor int64  `json:"refund_amount_minor"`
	OrderCancelled    bool   `json:"order_cancelled"`
}

// UnlockSlot — запрос на освобождение занятых слотов.
type UnlockSlot struct {
	UserID      string   `json:"user_id"`
	RecordIDs   []string `json:"record_ids"`
	BookingDate string   `json:"booking_date"`
	IsActivity  bool     `json:"is_activity"`
	// Fingerprint — updated_at записи на момент занятия; позволяет
	// отложенным консьюмерам распознать, что эпизод занятия сменился.
	Fingerprint time.Time `json:"fingerprint,omitempty"`
}
