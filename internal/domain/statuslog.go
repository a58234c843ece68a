package domain

import "time"

// OperatorType — кто выполнил переход статуса.
type OperatorType string

const (
	OperatorTypeBuyer    OperatorType = "buyer"
	OperatorTypeSeller   OperatorType = "seller"
	OperatorTypeSystem   OperatorType = "system"
	OperatorTypeOperator OperatorType = "operator"
)

// OrderStatusLog — append-only запись аудита перехода статуса заказа.
// Пишется в той же транзакции, что и сам переход, и никогда не мутируется.
type OrderStatusLog struct {
	ID           string
	OrderNo      string
	Action       string
	OldStatus    OrderStatus
	NewStatus    OrderStatus
	OperatorType OperatorType
	OperatorID   string
	Remark       string
	CreatedAt    time.Time
}
