package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
	"github.com/vladislavdragonenkov/vbs/internal/messaging/rabbit"
)

// Handlers возвращает таблицу шаг → обработчик для подписки консьюмеров.
func (s *Service) Handlers() map[string]rabbit.Handler {
	return map[string]rabbit.Handler{
		rabbit.StepPaymentSuccess.Name: s.HandlePaymentSuccess,
		rabbit.StepAutoCancel.Name:     s.HandleAutoCancel,
		rabbit.StepAutoComplete.Name:   s.HandleAutoComplete,
		rabbit.StepRefundSuccess.Name:  s.HandleRefundSuccess,
		rabbit.StepSlotUnlock.Name:     s.HandleSlotUnlock,
	}
}

// HandlePaymentSuccess применяет подтверждение оплаты к заказу.
//
// Несовпадение суммы — жёсткий отказ: сообщение уходит в DLQ без повторов,
// деньги молча не принимаются. Оплата уже отменённого заказа не воскрешает
// его, а запускает компенсирующий возврат.
func (s *Service) HandlePaymentSuccess(ctx context.Context, body []byte) error {
	defer s.observe(rabbit.StepPaymentSuccess.Name, s.now())

	var msg domain.PaymentSuccess
	if err := json.Unmarshal(body, &msg); err != nil {
		return rabbit.Permanent(fmt.Errorf("decode payment success: %w", err))
	}
	if msg.OrderNo == "" {
		return rabbit.Permanent(errors.New("payment success without order_no"))
	}

	return s.withOrderLock(ctx, msg.OrderNo, func(ctx context.Context) error {
		order, err := s.orders.Get(ctx, msg.OrderNo)
		if err != nil {
			return fmt.Errorf("load order %s: %w", msg.OrderNo, err)
		}

		// Эффект уже применён: дубликат доставки.
		if order.PaymentStatus != domain.PaymentStatusUnpaid {
			s.logger.WithField("order_no", order.OrderNo).Debug("Payment already applied, skipping")
			return nil
		}

		if order.Status == domain.OrderStatusCancelled {
			return s.compensatePayment(ctx, order, msg)
		}

		if msg.TotalAmountMinor != order.PayAmountMinor {
			s.logger.WithFields(log.Fields{
				"order_no": order.OrderNo,
				"expected": order.PayAmountMinor,
				"received": msg.TotalAmountMinor,
			}).Error("Payment amount mismatch")
			return rabbit.Permanent(domain.ErrAmountMismatch)
		}

		paidAt := msg.PaymentAt
		if paidAt.IsZero() {
			paidAt = s.now().UTC()
		}
		updated, err := s.orders.Transition(ctx, domain.StatusTransition{
			OrderNo: order.OrderNo,
			From:    []domain.OrderStatus{domain.OrderStatusPending},
			To:      domain.OrderStatusPaid,
			Mutate: func(o *domain.Order) {
				o.PaymentStatus = domain.PaymentStatusPaid
				o.TradeNo = msg.TradeNo
				o.OutTradeNo = msg.OutTradeNo
				o.PaidAt = paidAt
			},
			Action:       "payment_success",
			OperatorType: domain.OperatorTypeSystem,
			Remark:       "trade_no=" + msg.TradeNo,
		})
		if err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				// Состояние сменилось между чтением и CAS.
				if updated.PaymentStatus != domain.PaymentStatusUnpaid {
					// Оплата уже применена конкурирующей доставкой; её
					// таймер мог не запланироваться — переотправляем,
					// обработчик автозавершения идемпотентен.
					if updated.Status == domain.OrderStatusPaid {
						if err := s.scheduleAutoComplete(ctx, updated); err != nil {
							s.logger.WithError(err).WithField("order_no", updated.OrderNo).
								Error("Failed to schedule auto-complete")
						}
					}
					return nil
				}
				if updated.Status == domain.OrderStatusCancelled {
					return s.compensatePayment(ctx, updated, msg)
				}
			}
			return fmt.Errorf("apply payment to %s: %w", order.OrderNo, err)
		}

		if s.metrics != nil {
			s.metrics.RecordPaymentApplied()
		}
		s.logger.WithFields(log.Fields{
			"order_no": updated.OrderNo,
			"trade_no": msg.TradeNo,
			"amount":   msg.TotalAmountMinor,
		}).Info("Payment applied")

		if err := s.scheduleAutoComplete(ctx, updated); err != nil {
			// Потеря таймера не фатальна: просроченные завершаемые заказы
			// добирает sweeper.
			s.logger.WithError(err).WithField("order_no", updated.OrderNo).
				Error("Failed to schedule auto-complete")
		}
		s.emitEvent(updated, "OrderPaid", map[string]any{
			"trade_no":           msg.TradeNo,
			"total_amount_minor": msg.TotalAmountMinor,
		})
		return nil
	})
}

// compensatePayment запускает возврат денег, пришедших к отменённому заказу.
//
// Маркер refund_pending фиксируется до запроса к шлюзу: повторная доставка
// callback-а оплаты видит его в guard-е HandlePaymentSuccess и не запрашивает
// возврат второй раз. При отказе шлюза маркер откатывается — откат выполняется
// под блокировкой заказа, поэтому конкурирующая доставка его не обгонит, а
// redelivery начнёт с чистого состояния.
func (s *Service) compensatePayment(ctx context.Context, order domain.Order, msg domain.PaymentSuccess) error {
	s.logger.WithFields(log.Fields{
		"order_no": order.OrderNo,
		"trade_no": msg.TradeNo,
	}).Warn("Payment received for cancelled order, requesting compensating refund")

	marked, err := s.orders.Transition(ctx, domain.StatusTransition{
		OrderNo: order.OrderNo,
		From:    []domain.OrderStatus{domain.OrderStatusCancelled},
		To:      domain.OrderStatusCancelled,
		Mutate: func(o *domain.Order) {
			o.PaymentStatus = domain.PaymentStatusRefundPending
			o.TradeNo = msg.TradeNo
		},
		Action:       "compensating_refund_requested",
		OperatorType: domain.OperatorTypeSystem,
		Remark:       "trade_no=" + msg.TradeNo,
	})
	if err != nil {
		return fmt.Errorf("mark compensating refund for %s: %w", order.OrderNo, err)
	}

	err = s.refunds.RequestRefund(ctx, domain.RefundRequest{
		OrderNo:        marked.OrderNo,
		TradeNo:        msg.TradeNo,
		AmountMinor:    msg.TotalAmountMinor,
		OrderCancelled: true,
		Reason:         "payment received after auto-cancel",
	})
	if err != nil {
		if _, revertErr := s.orders.Transition(ctx, domain.StatusTransition{
			OrderNo: marked.OrderNo,
			From:    []domain.OrderStatus{domain.OrderStatusCancelled},
			To:      domain.OrderStatusCancelled,
			Mutate: func(o *domain.Order) {
				o.PaymentStatus = domain.PaymentStatusUnpaid
			},
			Action:       "compensating_refund_reverted",
			OperatorType: domain.OperatorTypeSystem,
			Remark:       "gateway request failed",
		}); revertErr != nil {
			s.logger.WithError(revertErr).WithField("order_no", marked.OrderNo).
				Error("Failed to revert compensating refund marker")
		}
		return fmt.Errorf("request compensating refund for %s: %w", order.OrderNo, err)
	}
	return nil
}

// scheduleAutoComplete ставит отложенное автозавершение на самый поздний
// момент окончания слотов заказа.
func (s *Service) scheduleAutoComplete(ctx context.Context, order domain.Order) error {
	latest, err := order.LatestEndInstant(s.loc)
	if err != nil {
		return err
	}
	delay := latest.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	return s.publisher.PublishDelayed(ctx, rabbit.StepAutoComplete.Name,
		domain.OrderAutoComplete{OrderNo: order.OrderNo}, delay)
}

// HandleAutoCancel отменяет неоплаченный заказ по истечении срока оплаты.
// Если заказ успел оплатиться, сообщение тихо игнорируется.
func (s *Service) HandleAutoCancel(ctx context.Context, body []byte) error {
	defer s.observe(rabbit.StepAutoCancel.Name, s.now())

	var msg domain.OrderAutoCancel
	if err := json.Unmarshal(body, &msg); err != nil {
		return rabbit.Permanent(fmt.Errorf("decode auto-cancel: %w", err))
	}
	if msg.OrderNo == "" {
		return rabbit.Permanent(errors.New("auto-cancel without order_no"))
	}

	return s.withOrderLock(ctx, msg.OrderNo, func(ctx context.Context) error {
		updated, err := s.orders.Transition(ctx, domain.StatusTransition{
			OrderNo:      msg.OrderNo,
			From:         []domain.OrderStatus{domain.OrderStatusPending},
			To:           domain.OrderStatusCancelled,
			Action:       "auto_cancel",
			OperatorType: domain.OperatorTypeSystem,
			Remark:       "payment window expired",
		})
		if err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				// Заказ уже отменён: предыдущая доставка могла упасть на
				// публикации unlock-а, поэтому освобождение переотправляется.
				// Условное обновление слотов делает повтор безвредным.
				if updated.Status == domain.OrderStatusCancelled {
					if err := s.requestUnlock(ctx, updated, time.Time{}); err != nil {
						return fmt.Errorf("request unlock for %s: %w", updated.OrderNo, err)
					}
					return nil
				}
				// Заказ оплатился: таймер опоздал.
				s.logger.WithFields(log.Fields{
					"order_no": msg.OrderNo,
					"status":   updated.Status,
				}).Debug("Auto-cancel skipped, order left pending state")
				return nil
			}
			if errors.Is(err, domain.ErrOrderNotFound) {
				return rabbit.Permanent(err)
			}
			return fmt.Errorf("auto-cancel %s: %w", msg.OrderNo, err)
		}

		if s.metrics != nil {
			s.metrics.RecordOrderCancelled()
		}
		s.logger.WithField("order_no", updated.OrderNo).Info("Order auto-cancelled")

		if err := s.requestUnlock(ctx, updated, time.Time{}); err != nil {
			// Статус уже зафиксирован; слоты доберёт повтор сообщения.
			return fmt.Errorf("request unlock for %s: %w", updated.OrderNo, err)
		}
		s.emitEvent(updated, "OrderCancelled", map[string]any{
			"reason": "payment window expired",
		})
		return nil
	})
}

// HandleAutoComplete завершает заказ после окончания последнего слота.
// Заказ в процессе возврата не завершается: таймер перепланируется.
func (s *Service) HandleAutoComplete(ctx context.Context, body []byte) error {
	defer s.observe(rabbit.StepAutoComplete.Name, s.now())

	var msg domain.OrderAutoComplete
	if err := json.Unmarshal(body, &msg); err != nil {
		return rabbit.Permanent(fmt.Errorf("decode auto-complete: %w", err))
	}
	if msg.OrderNo == "" {
		return rabbit.Permanent(errors.New("auto-complete without order_no"))
	}

	return s.withOrderLock(ctx, msg.OrderNo, func(ctx context.Context) error {
		order, err := s.orders.Get(ctx, msg.OrderNo)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				return rabbit.Permanent(err)
			}
			return fmt.Errorf("load order %s: %w", msg.OrderNo, err)
		}

		if order.Status.Terminal() {
			return nil
		}
		if order.Status.MidRefund() {
			s.logger.WithFields(log.Fields{
				"order_no":    order.OrderNo,
				"status":      order.Status,
				"retry_count": msg.RetryCount,
			}).Info("Order mid-refund, rescheduling auto-complete")
			return s.publisher.PublishDelayed(ctx, rabbit.StepAutoComplete.Name,
				domain.OrderAutoComplete{OrderNo: order.OrderNo, RetryCount: msg.RetryCount + 1},
				s.recheckDelay)
		}

		updated, err := s.orders.Transition(ctx, domain.StatusTransition{
			OrderNo:      order.OrderNo,
			From:         domain.Predecessors(domain.OrderStatusCompleted),
			To:           domain.OrderStatusCompleted,
			Action:       "auto_complete",
			OperatorType: domain.OperatorTypeSystem,
		})
		if err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				return nil
			}
			return fmt.Errorf("auto-complete %s: %w", order.OrderNo, err)
		}

		if s.metrics != nil {
			s.metrics.RecordOrderCompleted()
		}
		s.logger.WithField("order_no", updated.OrderNo).Info("Order auto-completed")
		s.emitEvent(updated, "OrderCompleted", nil)
		return nil
	})
}

// HandleRefundSuccess применяет подтверждение возврата от платёжного шлюза.
func (s *Service) HandleRefundSuccess(ctx context.Context, body []byte) error {
	defer s.observe(rabbit.StepRefundSuccess.Name, s.now())

	var msg domain.PaymentRefundSuccess
	if err := json.Unmarshal(body, &msg); err != nil {
		return rabbit.Permanent(fmt.Errorf("decode refund success: %w", err))
	}
	if msg.OrderNo == "" {
		return rabbit.Permanent(errors.New("refund success without order_no"))
	}

	return s.withOrderLock(ctx, msg.OrderNo, func(ctx context.Context) error {
		order, err := s.orders.Get(ctx, msg.OrderNo)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				return rabbit.Permanent(err)
			}
			return fmt.Errorf("load order %s: %w", msg.OrderNo, err)
		}

		if msg.OrderCancelled {
			return s.finishCompensatingRefund(ctx, order, msg)
		}

		full := msg.RefundAmountMinor >= order.PayAmountMinor
		to := domain.OrderStatusPartiallyRefunded
		payment := domain.PaymentStatusPartialRefund
		if full {
			to = domain.OrderStatusRefunded
			payment = domain.PaymentStatusFullRefund
		}

		updated, err := s.orders.Transition(ctx, domain.StatusTransition{
			OrderNo: order.OrderNo,
			From:    []domain.OrderStatus{domain.OrderStatusRefunding},
			To:      to,
			Mutate: func(o *domain.Order) {
				o.PaymentStatus = payment
			},
			Action:       "refund_success",
			OperatorType: domain.OperatorTypeSystem,
			Remark:       "refund_apply_id=" + msg.RefundApplyID,
		})
		if err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				// Возврат уже применён. Для полного возврата unlock
				// переотправляется: предыдущая доставка могла упасть на
				// публикации уже после перехода.
				if updated.Status == domain.OrderStatusRefunded {
					if err := s.requestUnlock(ctx, updated, time.Time{}); err != nil {
						return fmt.Errorf("request unlock for %s: %w", updated.OrderNo, err)
					}
					return nil
				}
				if updated.Status == domain.OrderStatusPartiallyRefunded {
					return nil
				}
			}
			return fmt.Errorf("apply refund to %s: %w", order.OrderNo, err)
		}

		if s.metrics != nil {
			s.metrics.RecordRefundCompleted()
		}
		s.logger.WithFields(log.Fields{
			"order_no": updated.OrderNo,
			"amount":   msg.RefundAmountMinor,
			"full":     full,
		}).Info("Refund applied")

		// Полный возврат освобождает слоты; частичный оставляет бронь в силе.
		if full {
			if err := s.requestUnlock(ctx, updated, time.Time{}); err != nil {
				return fmt.Errorf("request unlock for %s: %w", updated.OrderNo, err)
			}
		}
		s.emitEvent(updated, "OrderRefunded", map[string]any{
			"refund_amount_minor": msg.RefundAmountMinor,
			"full_refund":         full,
		})
		return nil
	})
}

// finishCompensatingRefund фиксирует возврат денег, пришедших к отменённому
// заказу. Статус заказа не меняется, меняется только судьба денег.
func (s *Service) finishCompensatingRefund(ctx context.Context, order domain.Order, msg domain.PaymentRefundSuccess) error {
	if order.PaymentStatus == domain.PaymentStatusFullRefund {
		return nil
	}
	updated, err := s.orders.Transition(ctx, domain.StatusTransition{
		OrderNo: order.OrderNo,
		From:    []domain.OrderStatus{domain.OrderStatusCancelled},
		To:      domain.OrderStatusCancelled,
		Mutate: func(o *domain.Order) {
			o.PaymentStatus = domain.PaymentStatusFullRefund
		},
		Action:       "compensating_refund",
		OperatorType: domain.OperatorTypeSystem,
		Remark:       "refund_apply_id=" + msg.RefundApplyID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		return fmt.Errorf("finish compensating refund for %s: %w", order.OrderNo, err)
	}

	if s.metrics != nil {
		s.metrics.RecordRefundCompleted()
	}
	s.logger.WithField("order_no", updated.OrderNo).Info("Compensating refund completed")
	s.emitEvent(updated, "OrderRefunded", map[string]any{
		"refund_amount_minor": msg.RefundAmountMinor,
		"compensating":        true,
	})
	return nil
}

// HandleSlotUnlock условно освобождает слоты. Блокировка заказа не нужна:
// условное обновление само не тронет чужую или более новую бронь.
func (s *Service) HandleSlotUnlock(ctx context.Context, body []byte) error {
	defer s.observe(rabbit.StepSlotUnlock.Name, s.now())

	var msg domain.UnlockSlot
	if err := json.Unmarshal(body, &msg); err != nil {
		return rabbit.Permanent(fmt.Errorf("decode unlock slot: %w", err))
	}
	if len(msg.RecordIDs) == 0 {
		return nil
	}

	released, err := s.records.ReleaseAll(ctx, msg.RecordIDs, msg.UserID, msg.Fingerprint)
	if err != nil {
		return fmt.Errorf("release slots: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordSlotsReleased(released)
	}
	s.logger.WithFields(log.Fields{
		"user_id":   msg.UserID,
		"requested": len(msg.RecordIDs),
		"released":  released,
	}).Info("Slots released")
	return nil
}
