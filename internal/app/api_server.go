package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
	"github.com/vladislavdragonenkov/vbs/internal/service/booking"
)

// bookingAPI — HTTP-граница бронирования: создание резервации, карточка
// заказа и история его статусов.
type bookingAPI struct {
	booking *booking.Service
	orders  domain.OrderRepository
	history domain.OrderStatusLogRepository
	logger  *log.Entry
}

func newBookingAPI(svc *booking.Service, orders domain.OrderRepository, history domain.OrderStatusLogRepository, logger *log.Entry) *bookingAPI {
	return &bookingAPI{booking: svc, orders: orders, history: history, logger: logger}
}

type reserveRequestBody struct {
	BuyerID     string  `json:"buyer_id"`
	SellerID    string  `json:"seller_id"`
	SellerType  string  `json:"seller_type"`
	BookingDate string  `json:"booking_date"`
	TemplateIDs []int64 `json:"template_ids"`
}

type orderItemResponse struct {
	ID           string `json:"id"`
	SlotRecordID string `json:"slot_record_id"`
	TemplateID   int64  `json:"template_id"`
	BookingDate  string `json:"booking_date"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	PriceMinor   int64  `json:"price_minor"`
}

type orderResponse struct {
	OrderNo          string              `json:"order_no"`
	BuyerID          string              `json:"buyer_id"`
	SellerID         string              `json:"seller_id"`
	Status           string              `json:"status"`
	PaymentStatus    string              `json:"payment_status"`
	PayAmountMinor   int64               `json:"pay_amount_minor"`
	PendingExpiresAt *time.Time          `json:"pending_expires_at,omitempty"`
	Items            []orderItemResponse `json:"items"`
	CreatedAt        time.Time           `json:"created_at"`
}

type statusLogResponse struct {
	Action       string    `json:"action"`
	OldStatus    string    `json:"old_status"`
	NewStatus    string    `json:"new_status"`
	OperatorType string    `json:"operator_type"`
	OperatorID   string    `json:"operator_id,omitempty"`
	Remark       string    `json:"remark,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toOrderResponse(order domain.Order) orderResponse {
	resp := orderResponse{
		OrderNo:        order.OrderNo,
		BuyerID:        order.BuyerID,
		SellerID:       order.SellerID,
		Status:         string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		PayAmountMinor: order.PayAmountMinor,
		Items:          make([]orderItemResponse, 0, len(order.Items)),
		CreatedAt:      order.CreatedAt,
	}
	if !order.PendingExpiresAt.IsZero() {
		expires := order.PendingExpiresAt
		resp.PendingExpiresAt = &expires
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ID:           item.ID,
			SlotRecordID: item.SlotRecordID,
			TemplateID:   item.TemplateID,
			BookingDate:  item.BookingDate,
			StartTime:    item.StartTime,
			EndTime:      item.EndTime,
			PriceMinor:   item.PriceMinor,
		})
	}
	return resp
}

// Routes регистрирует обработчики API на mux.
func (a *bookingAPI) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/reservations", a.handleReserve)
	mux.HandleFunc("GET /api/v1/orders/{order_no}", a.handleGetOrder)
	mux.HandleFunc("GET /api/v1/orders/{order_no}/history", a.handleOrderHistory)
}

func (a *bookingAPI) handleReserve(w http.ResponseWriter, r *http.Request) {
	var body reserveRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := a.booking.Reserve(r.Context(), booking.ReserveRequest{
		BuyerID:        body.BuyerID,
		SellerID:       body.SellerID,
		SellerType:     body.SellerType,
		BookingDate:    body.BookingDate,
		TemplateIDs:    body.TemplateIDs,
		OperatorSource: "order",
	})
	if err != nil {
		a.writeReserveError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// writeReserveError переводит ошибки бронирования в HTTP-статусы: бизнес-отказ
// и контеншн блокировки — 409 (клиент может повторить), ошибки валидации и
// неизвестный шаблон — 400, остальное — 500 без деталей.
func (a *bookingAPI) writeReserveError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsBusinessRejection(err) || domain.IsLockContended(err):
		a.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTemplateNotFound),
		errors.Is(err, domain.ErrBuyerRequired),
		errors.Is(err, domain.ErrItemsRequired),
		errors.Is(err, domain.ErrTemplateIDRequired),
		errors.Is(err, domain.ErrBookingDateInvalid):
		a.writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.WithError(err).Error("Reservation failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *bookingAPI) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.orders.Get(r.Context(), r.PathValue("order_no"))
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			a.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		a.logger.WithError(err).Error("Failed to load order")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (a *bookingAPI) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	orderNo := r.PathValue("order_no")
	if _, err := a.orders.Get(r.Context(), orderNo); err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			a.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		a.logger.WithError(err).Error("Failed to load order")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	entries, err := a.history.List(r.Context(), orderNo)
	if err != nil {
		a.logger.WithError(err).Error("Failed to load order history")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]statusLogResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, statusLogResponse{
			Action:       entry.Action,
			OldStatus:    string(entry.OldStatus),
			NewStatus:    string(entry.NewStatus),
			OperatorType: string(entry.OperatorType),
			OperatorID:   entry.OperatorID,
			Remark:       entry.Remark,
			CreatedAt:    entry.CreatedAt,
		})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *bookingAPI) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (a *bookingAPI) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, errorResponse{Error: message})
}

// startAPIServer запускает HTTP-сервер API бронирования.
func startAPIServer(addr string, api *bookingAPI, logger *log.Entry) *http.Server {
	mux := http.NewServeMux()
	api.Routes(mux)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("HTTP API слушает %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("api server stopped with error")
		}
	}()
	return srv
}
