package domain

import (
	"fmt"
	"time"
)

// SlotStatus описывает состояние слота на конкретную дату.
type SlotStatus string

const (
	// SlotStatusAvailable — слот свободен и может быть занят.
	SlotStatusAvailable SlotStatus = "available"
	// SlotStatusLockedIn — слот занят оператором (бронь, заказ или активность).
	SlotStatusLockedIn SlotStatus = "locked_in"
	// SlotStatusUnavailable — слот закрыт мерчантом и не продаётся.
	SlotStatusUnavailable SlotStatus = "unavailable"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
// Неизвестное значение трактуется как нарушение целостности данных.
func (s SlotStatus) Valid() bool {
	switch s {
	case SlotStatusAvailable, SlotStatusLockedIn, SlotStatusUnavailable:
		return true
	default:
		return false
	}
}

// DateLayout — формат даты бронирования.
const DateLayout = "2006-01-02"

// ClockLayout — формат времени начала/конца слота внутри дня.
const ClockLayout = "15:04"

// SlotTemplate — статичное описание повторяющегося временного окна корта.
// Шаблоны создаются конфигурацией мерчанта и для ядра read-only.
type SlotTemplate struct {
	ID        int64
	CourtID   int64
	StartTime string // "15:04"
	EndTime   string // "15:04"
}

// SlotRecord — занятость шаблона на конкретную дату.
// Запись создаётся лениво при первой попытке резервирования: отсутствие
// записи эквивалентно статусу available.
type SlotRecord struct {
	ID             string
	TemplateID     int64
	BookingDate    string // "2006-01-02"
	Status         SlotStatus
	OperatorID     string
	OperatorSource string
	UpdatedAt      time.Time
}

// SlotKey однозначно идентифицирует слот: шаблон + дата.
type SlotKey struct {
	TemplateID  int64
	BookingDate string
}

// LockKey возвращает ключ распределённой блокировки для слота.
func (k SlotKey) LockKey() string {
	return fmt.Sprintf("slot:%d:%s", k.TemplateID, k.BookingDate)
}

// Validate проверяет ключ слота.
func (k SlotKey) Validate() error {
	if k.TemplateID <= 0 {
		return ErrTemplateIDRequired
	}
	if _, err := time.Parse(DateLayout, k.BookingDate); err != nil {
		return ErrBookingDateInvalid
	}
	return nil
}

// SlotEndInstant (дата + время конца слота) — момент, после которого заказ
// можно автозавершать.
func SlotEndInstant(bookingDate, endClock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation(DateLayout, bookingDate, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse booking date: %w", err)
	}
	c, err := time.Parse(ClockLayout, endClock)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse end clock: %w", err)
	}
	return d.Add(time.Duration(c.Hour())*time.Hour + time.Duration(c.Minute())*time.Minute), nil
}

// ClockOverlaps проверяет пересечение двух интервалов "15:04" внутри дня.
func ClockOverlaps(aStart, aEnd, bStart, bEnd string) bool {
	return aStart < bEnd && bStart < aEnd
}
