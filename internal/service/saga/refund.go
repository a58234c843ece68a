package saga

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// Под-сага возврата. Заявка проходит refund_applying → refunding →
// refunded/partially_refunded; отклонение и отзыв возвращают заказ в
// завершаемое состояние. Подтверждение шлюза приходит асинхронно в
// HandleRefundSuccess.

// ApplyRefund регистрирует заявку покупателя на возврат.
func (s *Service) ApplyRefund(ctx context.Context, orderNo, buyerID, reason string) (domain.Order, error) {
	var updated domain.Order
	err := s.withOrderLock(ctx, orderNo, func(ctx context.Context) error {
		var err error
		updated, err = s.orders.Transition(ctx, domain.StatusTransition{
			OrderNo:      orderNo,
			From:         []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusConfirmed},
			To:           domain.OrderStatusRefundApplying,
			Action:       "refund_apply",
			OperatorType: domain.OperatorTypeBuyer,
			OperatorID:   buyerID,
			Remark:       reason,
		})
		if err != nil {
			return fmt.Errorf("apply refund for %s: %w", orderNo, err)
		}
		s.emitEvent(updated, "RefundApplied", map[string]any{"reason": reason})
		return nil
	})
	return updated, err
}

// ApproveRefund одобряет заявку и запрашивает возврат у платёжного шлюза.
// amountMinor <= 0 трактуется как возврат полной суммы.
//
// refunding входит в множество From: статус фиксируется до запроса к шлюзу,
// и при отказе шлюза повторный вызов проходит как идемпотентный re-drive —
// переход схлопывается в refunding → refunding, запрос к шлюзу уходит заново.
// Без этого заказ застревал бы в refunding навсегда.
func (s *Service) ApproveRefund(ctx context.Context, orderNo, sellerID string, amountMinor int64) (domain.Order, error) {
	var updated domain.Order
	err := s.withOrderLock(ctx, orderNo, func(ctx context.Context) error {
		var err error
		updated, err = s.orders.Transition(ctx, domain.StatusTransition{
			OrderNo:      orderNo,
			From:         []domain.OrderStatus{domain.OrderStatusRefundApplying, domain.OrderStatusRefunding},
			To:           domain.OrderStatusRefunding,
			Action:       "refund_approve",
			OperatorType: domain.OperatorTypeSeller,
			OperatorID:   sellerID,
		})
		if err != nil {
			return fmt.Errorf("approve refund for %s: %w", orderNo, err)
		}

		if amountMinor <= 0 || amountMinor > updated.PayAmountMinor {
			amountMinor = updated.PayAmountMinor
		}
		if err := s.refunds.RequestRefund(ctx, domain.RefundRequest{
			OrderNo:     updated.OrderNo,
			TradeNo:     updated.TradeNo,
			AmountMinor: amountMinor,
			Reason:      "refund approved by seller",
		}); err != nil {
			return fmt.Errorf("request refund for %s: %w", orderNo, err)
		}

		s.logger.WithFields(log.Fields{
			"order_no": updated.OrderNo,
			"amount":   amountMinor,
		}).Info("Refund approved, gateway request sent")
		s.emitEvent(updated, "RefundApproved", map[string]any{"amount_minor": amountMinor})
		return nil
	})
	return updated, err
}

// RejectRefund отклоняет заявку мерчантом; заказ снова можно завершить.
func (s *Service) RejectRefund(ctx context.Context, orderNo, sellerID, reason string) (domain.Order, error) {
	var updated domain.Order
	err := s.withOrderLock(ctx, orderNo, func(ctx context.Context) error {
		var err error
		updated, err = s.orders.Transition(ctx, domain.StatusTransition{
			OrderNo:      orderNo,
			From:         []domain.OrderStatus{domain.OrderStatusRefundApplying},
			To:           domain.OrderStatusRefundRejected,
			Action:       "refund_reject",
			OperatorType: domain.OperatorTypeSeller,
			OperatorID:   sellerID,
			Remark:       reason,
		})
		if err != nil {
			return fmt.Errorf("reject refund for %s: %w", orderNo, err)
		}
		s.emitEvent(updated, "RefundRejected", map[string]any{"reason": reason})
		return nil
	})
	return updated, err
}

// CancelRefund отзывает заявку по инициативе покупателя.
func (s *Service) CancelRefund(ctx context.Context, orderNo, buyerID string) (domain.Order, error) {
	var updated domain.Order
	err := s.withOrderLock(ctx, orderNo, func(ctx context.Context) error {
		var err error
		updated, err = s.orders.Transition(ctx, domain.StatusTransition{
			OrderNo:      orderNo,
			From:         []domain.OrderStatus{domain.OrderStatusRefundApplying},
			To:           domain.OrderStatusRefundCancelled,
			Action:       "refund_cancel",
			OperatorType: domain.OperatorTypeBuyer,
			OperatorID:   buyerID,
		})
		if err != nil {
			return fmt.Errorf("cancel refund for %s: %w", orderNo, err)
		}
		s.emitEvent(updated, "RefundCancelled", nil)
		return nil
	})
	return updated, err
}
