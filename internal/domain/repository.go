package domain

import (
	"context"
	"time"
)

// SlotTemplateRepository — read-only доступ к шаблонам слотов.
// Шаблоны создаёт конфигурационный сервис мерчанта, ядро их не пишет.
type SlotTemplateRepository interface {
	Get(ctx context.Context, id int64) (SlotTemplate, error)
	GetMany(ctx context.Context, ids []int64) ([]SlotTemplate, error)
}

// SlotRecordRepository описывает хранилище занятости слотов.
// Все мутации — условные (CAS): обновление ограничено WHERE по ожидаемому
// прежнему состоянию и успешно, только пока оно держится.
type SlotRecordRepository interface {
	// Get возвращает запись слота или ErrSlotNotFound.
	Get(ctx context.Context, id string) (SlotRecord, error)
	// FindForDate возвращает существующие записи по ключам; отсутствие
	// записи означает available.
	FindForDate(ctx context.Context, keys []SlotKey) ([]SlotRecord, error)
	// ReserveAll атомарно занимает все ключи: лениво создаёт отсутствующие
	// записи со статусом locked_in и условно переводит существующие
	// available → locked_in. Если хотя бы одно условное обновление задело
	// 0 строк, вся партия откатывается: ErrSlotsUnavailable при обычной
	// гонке, ErrPartialConflict при нарушении инварианта.
	ReserveAll(ctx context.Context, keys []SlotKey, operatorID, operatorSource string) ([]SlotRecord, error)
	// ReleaseAll условно освобождает записи: locked_in → available только
	// для указанного оператора. Ненулевой fingerprint дополнительно
	// требует совпадения updated_at, чтобы отложенное сообщение не
	// затёрло более новое занятие. Возвращает число освобождённых записей.
	ReleaseAll(ctx context.Context, recordIDs []string, operatorID string, fingerprint time.Time) (int, error)
	// UnavailableOnDate возвращает записи с непустым статусом (locked_in
	// или unavailable) на дату — для фильтрации поисковой выдачи.
	UnavailableOnDate(ctx context.Context, bookingDate string) ([]SlotRecord, error)
}

// StatusTransition описывает переход статуса заказа вместе с записью аудита.
// Репозиторий применяет его как единую транзакцию: условное обновление
// статуса (CAS по множеству From) + append в журнал статусов.
type StatusTransition struct {
	OrderNo      string
	From         []OrderStatus
	To           OrderStatus
	// Mutate выполняется над строкой заказа под row-lock после успешной
	// проверки предиката; nil допустим.
	Mutate       func(*Order)
	Action       string
	OperatorType OperatorType
	OperatorID   string
	Remark       string
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ с позициями. ErrOrderExists при дубле номера.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по номеру или ErrOrderNotFound.
	Get(ctx context.Context, orderNo string) (Order, error)
	// Transition применяет CAS-переход статуса: успешен, только если текущий
	// статус входит в t.From. Возвращает обновлённый заказ; ErrStatusConflict,
	// если предикат не сработал.
	Transition(ctx context.Context, t StatusTransition) (Order, error)
	// ListPendingExpired возвращает pending-заказы с истёкшим сроком оплаты —
	// страховка на случай потери отложенного сообщения автоотмены.
	ListPendingExpired(ctx context.Context, before time.Time, limit int) ([]Order, error)
	// ListCompletableOverdue возвращает заказы в завершаемых статусах
	// (Predecessors(completed)), у которых последний слот закончился не позже
	// cutoff — страховка на случай потери таймера автозавершения. cutoff
	// задаётся строкой "2006-01-02 15:04" в часовом поясе площадки: занятость
	// слотов хранится датой и временем суток, а не инстантами.
	ListCompletableOverdue(ctx context.Context, cutoff string, limit int) ([]Order, error)
}

// OrderStatusLogRepository хранит append-only журнал переходов.
type OrderStatusLogRepository interface {
	Append(ctx context.Context, entry OrderStatusLog) error
	List(ctx context.Context, orderNo string) ([]OrderStatusLog, error)
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}
