// Package pricing реализует котировку цен слотов. Цена считается на момент
// резервирования и фиксируется в позициях заказа.
package pricing

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// StaticProvider — табличный прайс: базовая цена, переопределения по
// шаблонам и наценка выходного дня. Для продовых инсталляций вместо него
// подключается внешний прайс-движок мерчанта.
type StaticProvider struct {
	BasePriceMinor        int64
	PerTemplate           map[int64]int64
	WeekendSurchargeMinor int64
}

// NewStaticProvider возвращает прайс с базовой ценой за слот.
func NewStaticProvider(basePriceMinor int64) *StaticProvider {
	return &StaticProvider{BasePriceMinor: basePriceMinor}
}

// Quote возвращает цену каждого шаблона в порядке следования аргументов.
func (p *StaticProvider) Quote(_ context.Context, _ string, bookingDate string, templates []domain.SlotTemplate) ([]int64, error) {
	weekend := false
	if date, err := time.Parse(domain.DateLayout, bookingDate); err == nil {
		weekend = date.Weekday() == time.Saturday || date.Weekday() == time.Sunday
	}

	prices := make([]int64, len(templates))
	for i, tpl := range templates {
		price := p.BasePriceMinor
		if override, ok := p.PerTemplate[tpl.ID]; ok {
			price = override
		}
		if weekend {
			price += p.WeekendSurchargeMinor
		}
		prices[i] = price
	}
	return prices, nil
}

var _ domain.PriceProvider = (*StaticProvider)(nil)
