// Package health отдает состояние booking-service по HTTP: агрегированный
// /healthz с деталями по компонентам и плоские /livez и /readyz пробы.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status представляет состояние компонента.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check — результат одной проверки компонента.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело ответа /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker выполняет проверку одного компонента (хранилище, брокер и т.п.).
type Checker interface {
	Check() Check
}

// Handler агрегирует зарегистрированные проверки.
// Регистрация и запросы могут идти конкурентно.
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	startTime time.Time
}

// NewHandler создает handler без проверок; version попадает в ответ /healthz.
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		startTime: time.Now(),
	}
}

// RegisterChecker добавляет или заменяет проверку под именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// snapshot копирует карту проверок, чтобы не держать блокировку
// на время самих проверок.
func (h *Handler) snapshot() map[string]Checker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checkers := make(map[string]Checker, len(h.checkers))
	for name, checker := range h.checkers {
		checkers[name] = checker
	}
	return checkers
}

// worse возвращает более тяжелый из двух статусов.
func worse(a, b Status) Status {
	switch {
	case a == StatusUnhealthy || b == StatusUnhealthy:
		return StatusUnhealthy
	case a == StatusDegraded || b == StatusDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// ServeHTTP выполняет все проверки и отдает JSON с агрегированным статусом.
// Unhealthy любого компонента дает 503, degraded не меняет HTTP-код.
func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]Check)
	overall := StatusHealthy
	for name, checker := range h.snapshot() {
		check := checker.Check()
		checks[name] = check
		overall = worse(overall, check.Status)
	}

	response := Response{
		Status:        overall,
		Timestamp:     time.Now(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler отвечает 503, если хотя бы один компонент unhealthy.
// Degraded не снимает трафик с инстанса.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	for _, checker := range h.snapshot() {
		if checker.Check().Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// SimpleChecker оборачивает функцию в Checker: nil — healthy,
// ошибка — unhealthy с текстом ошибки в Message.
type SimpleChecker struct {
	name    string
	checkFn func() error
}

// NewSimpleChecker создает проверку из функции.
func NewSimpleChecker(name string, checkFn func() error) *SimpleChecker {
	return &SimpleChecker{
		name:    name,
		checkFn: checkFn,
	}
}

// Check выполняет функцию и замеряет длительность.
func (c *SimpleChecker) Check() Check {
	start := time.Now()
	err := c.checkFn()

	check := Check{
		Name:       c.name,
		Status:     StatusHealthy,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}
