package pricing

import (
	"context"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
)

// MockProvider — конфигурируемая заглушка PriceProvider для тестов.
type MockProvider struct {
	PriceMinor int64
	Err        error

	QuoteCalls int
}

// NewMockProvider возвращает mock с успешным сценарием по умолчанию.
func NewMockProvider(priceMinor int64) *MockProvider {
	return &MockProvider{PriceMinor: priceMinor}
}

// Quote возвращает настроенную цену для каждого шаблона и считает вызовы.
func (m *MockProvider) Quote(_ context.Context, _ string, _ string, templates []domain.SlotTemplate) ([]int64, error) {
	m.QuoteCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	prices := make([]int64, len(templates))
	for i := range prices {
		prices[i] = m.PriceMinor
	}
	return prices, nil
}

var _ domain.PriceProvider = (*MockProvider)(nil)
