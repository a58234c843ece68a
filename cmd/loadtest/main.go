// loadtest — in-process проба конкурентного резервирования. Гоняет
// booking.Service на in-memory хранилище пулом воркеров и проверяет, что
// при любой степени конкуренции не возникает oversell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/domain"
	"github.com/vladislavdragonenkov/vbs/internal/lock"
	"github.com/vladislavdragonenkov/vbs/internal/service/booking"
	"github.com/vladislavdragonenkov/vbs/internal/service/pricing"
	"github.com/vladislavdragonenkov/vbs/internal/storage/memory"
)

const (
	outcomeOK          = "ok"
	outcomeUnavailable = "slots_unavailable"
	outcomeContended   = "lock_contended"
	outcomeError       = "error"
)

type loadMode string

const (
	// modeSpread — воркеры бронируют пересекающиеся окна из всего пула слотов.
	modeSpread loadMode = "spread"
	// modeHotSlot — все воркеры бьются за один и тот же набор слотов.
	modeHotSlot loadMode = "hot-slot"
)

type config struct {
	total         int
	totalSet      bool
	duration      time.Duration
	concurrency   int
	templates     int
	courts        int
	slotsPerOrder int
	bookingDate   string
	priceMinor    int64
	mode          loadMode
	outputPath    string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type report struct {
	StartedAt         time.Time        `json:"started_at"`
	DurationSeconds   float64          `json:"duration_seconds"`
	TotalScenarios    int64            `json:"total_scenarios"`
	CreatedOrders     int64            `json:"created_orders"`
	RejectedScenarios int64            `json:"rejected_scenarios"`
	FailedScenarios   int64            `json:"failed_scenarios"`
	ErrorRate         float64          `json:"error_rate"`
	RPS               float64          `json:"rps"`
	Outcomes          map[string]int64 `json:"outcomes"`
	LatencyMs         latencySummary   `json:"latency_ms"`
	OccupiedSlots     int              `json:"occupied_slots"`
	OversoldSlots     int              `json:"oversold_slots"`
}

type collector struct {
	mu        sync.Mutex
	outcomes  map[string]int64
	latencies []float64
}

func newCollector() *collector {
	return &collector{outcomes: make(map[string]int64)}
}

func (c *collector) record(latency time.Duration, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes[outcome]++
	c.latencies = append(c.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcomes := make(map[string]int64, len(c.outcomes))
	var total int64
	for outcome, count := range c.outcomes {
		outcomes[outcome] = count
		total += count
	}

	result := report{
		StartedAt:         startedAt.UTC(),
		DurationSeconds:   duration.Seconds(),
		TotalScenarios:    total,
		CreatedOrders:     outcomes[outcomeOK],
		RejectedScenarios: outcomes[outcomeUnavailable] + outcomes[outcomeContended],
		FailedScenarios:   outcomes[outcomeError],
		ErrorRate:         ratio(outcomes[outcomeError], total),
		Outcomes:          outcomes,
		LatencyMs:         buildLatencySummary(c.latencies),
	}
	if duration > 0 {
		result.RPS = float64(total) / duration.Seconds()
	}
	return result
}

func parseConfig() (config, error) {
	var cfg config
	var modeValue string
	var durationValue string

	flag.IntVar(&cfg.total, "total", 400, "total reservation attempts in count mode; in duration mode only used when explicitly set")
	flag.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 30s, 5m)")
	flag.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	flag.IntVar(&cfg.templates, "templates", 24, "slot template pool size")
	flag.IntVar(&cfg.courts, "courts", 4, "number of courts the templates are spread over")
	flag.IntVar(&cfg.slotsPerOrder, "slots-per-order", 2, "slot templates per reservation attempt")
	flag.StringVar(&cfg.bookingDate, "date", time.Now().AddDate(0, 0, 1).Format("2006-01-02"), "booking date")
	flag.Int64Var(&cfg.priceMinor, "price-minor", 5000, "slot price in minor units")
	flag.StringVar(&modeValue, "mode", string(modeSpread), "load mode: spread | hot-slot")
	flag.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	flag.Parse()

	duration, err := time.ParseDuration(strings.TrimSpace(durationValue))
	if err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	cfg.duration = duration

	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.templates <= 0 {
		return cfg, errors.New("templates must be > 0")
	}
	if cfg.courts <= 0 || cfg.courts > cfg.templates {
		return cfg, errors.New("courts must be between 1 and templates")
	}
	if cfg.slotsPerOrder <= 0 || cfg.slotsPerOrder > cfg.templates {
		return cfg, errors.New("slots-per-order must be between 1 and templates")
	}
	if cfg.priceMinor <= 0 {
		return cfg, errors.New("price-minor must be > 0")
	}
	if _, err := time.Parse("2006-01-02", cfg.bookingDate); err != nil {
		return cfg, fmt.Errorf("parse date: %w", err)
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeSpread:
		return modeSpread, nil
	case modeHotSlot:
		return modeHotSlot, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// discardPublisher глушит сообщения саги: пробе интересен только путь
// резервирования.
type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, string, any) error { return nil }

func (discardPublisher) PublishDelayed(context.Context, string, any, time.Duration) error {
	return nil
}

// seedTemplates раскладывает пул шаблонов по кортам: на каждом корте
// последовательные часовые окна начиная с 08:00.
func seedTemplates(count, courts int) []domain.SlotTemplate {
	templates := make([]domain.SlotTemplate, 0, count)
	perCourt := (count + courts - 1) / courts
	for i := 0; i < count; i++ {
		court := int64(i/perCourt + 1)
		// Часы зациклены в рабочем окне 08:00-23:00.
		hour := 8 + (i%perCourt)%15
		templates = append(templates, domain.SlotTemplate{
			ID:        int64(i + 1),
			CourtID:   court,
			StartTime: fmt.Sprintf("%02d:00", hour),
			EndTime:   fmt.Sprintf("%02d:00", hour+1),
		})
	}
	return templates
}

type probe struct {
	cfg     config
	service *booking.Service
	records domain.SlotRecordRepository
}

func newProbe(cfg config) *probe {
	records := memory.NewSlotRecordRepository()
	service := booking.NewService(
		memory.NewSlotTemplateRepository(seedTemplates(cfg.templates, cfg.courts)...),
		records,
		memory.NewOrderRepository(memory.NewStatusLogRepository()),
		memory.NewOutboxRepository(),
		lock.NewMemoryLocker(),
		pricing.NewMockProvider(cfg.priceMinor),
		discardPublisher{},
		booking.WithLogger(log.WithField("component", "loadtest")),
	)
	return &probe{cfg: cfg, service: service, records: records}
}

// pickTemplates выбирает окно шаблонов для попытки. В hot-slot режиме окно
// всегда одно и то же, в spread — сдвигается так, чтобы соседние попытки
// пересекались.
func pickTemplates(cfg config, index int) []int64 {
	ids := make([]int64, 0, cfg.slotsPerOrder)
	start := 0
	if cfg.mode == modeSpread {
		start = (index * (cfg.slotsPerOrder - 1)) % cfg.templates
		if cfg.slotsPerOrder == 1 {
			start = index % cfg.templates
		}
	}
	for i := 0; i < cfg.slotsPerOrder; i++ {
		ids = append(ids, int64((start+i)%cfg.templates)+1)
	}
	return ids
}

func (p *probe) runScenario(ctx context.Context, index int, col *collector) {
	start := time.Now()
	_, err := p.service.Reserve(ctx, booking.ReserveRequest{
		BuyerID:        fmt.Sprintf("probe-buyer-%d", index),
		SellerID:       "probe-seller",
		SellerType:     "merchant",
		BookingDate:    p.cfg.bookingDate,
		TemplateIDs:    pickTemplates(p.cfg, index),
		OperatorSource: "order",
	})

	col.record(time.Since(start), classify(err))
}

func classify(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case domain.IsLockContended(err):
		return outcomeContended
	case domain.IsBusinessRejection(err):
		return outcomeUnavailable
	default:
		return outcomeError
	}
}

func (p *probe) run(ctx context.Context) (report, error) {
	startedAt := time.Now()
	col := newCollector()

	jobs := make(chan int, p.cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < p.cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				p.runScenario(ctx, index, col)
			}
		}()
	}

	dispatchJobs(jobs, p.cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))

	occupied, err := p.records.UnavailableOnDate(ctx, p.cfg.bookingDate)
	if err != nil {
		return result, fmt.Errorf("load occupied slots: %w", err)
	}
	result.OccupiedSlots = len(occupied)
	perTemplate := make(map[int64]int, len(occupied))
	for _, rec := range occupied {
		perTemplate[rec.TemplateID]++
	}
	for _, count := range perTemplate {
		if count > 1 {
			result.OversoldSlots += count - 1
		}
	}

	return result, nil
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func main() {
	log.SetLevel(log.WarnLevel)

	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result, err := newProbe(cfg).run(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}

	printReport(result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 || result.OversoldSlots > 0 {
		os.Exit(1)
	}
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(result report, cfg config) {
	fmt.Println("Reservation probe summary")
	fmt.Printf("mode=%s target=%s total=%d created=%d rejected=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.CreatedOrders,
		result.RejectedScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	fmt.Printf("duration=%.2fs rps=%.2f occupied=%d oversold=%d\n",
		result.DurationSeconds, result.RPS, result.OccupiedSlots, result.OversoldSlots)
	fmt.Printf("latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.LatencyMs.Min,
		result.LatencyMs.Avg,
		result.LatencyMs.P50,
		result.LatencyMs.P95,
		result.LatencyMs.P99,
		result.LatencyMs.Max,
	)

	outcomes := make([]string, 0, len(result.Outcomes))
	for outcome := range result.Outcomes {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		fmt.Printf("%s: %d\n", outcome, result.Outcomes[outcome])
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
