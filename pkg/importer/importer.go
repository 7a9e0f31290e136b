// Package importer coordinates fetching consumption and billing data and
// feeding it into the statistics store. One Orchestrator owns all import
// activity for every configured POD.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/fasciatrack/fasciatrack/pkg/eon"
	"github.com/fasciatrack/fasciatrack/pkg/log"
	"github.com/fasciatrack/fasciatrack/pkg/pricing"
	"github.com/fasciatrack/fasciatrack/pkg/statistics"
	"github.com/fasciatrack/fasciatrack/pkg/storage"
	"github.com/fasciatrack/fasciatrack/pkg/tariff"
	"github.com/fasciatrack/fasciatrack/pkg/types"
)

// ErrBusy is returned when a historical import is requested while another
// import is already running.
var ErrBusy = errors.New("an import is already running")

const (
	// meter data trails real time by roughly this much
	dataDelayDays = 2
	// oldest day probed on an incremental tick
	probeWindowDays = 7
	// invoices are fetched this far back when pricing is refreshed
	invoiceLookbackYears = 5
	// hourly fetches are chunked so a long historical range doesn't turn
	// into one giant request
	fetchChunkDays = 90
)

type runState int

const (
	stateIdle runState = iota
	stateIncremental
	stateHistorical
)

// LatestView is the display snapshot for a POD: the most recent fetched
// day, whether or not it has been written to the store yet.
type LatestView struct {
	POD        string  `json:"pod"`
	Date       string  `json:"date"`
	DailyTotal float64 `json:"dailyTotal"`
	LastHour   int     `json:"lastHour"`
	LastValue  float64 `json:"lastValue"`
	Source     string  `json:"source"`
}

// InvoiceSummary aggregates the cached invoices for a POD.
type InvoiceSummary struct {
	LatestNumber  string    `json:"latestNumber"`
	LatestIssued  time.Time `json:"latestIssued"`
	LatestAmount  float64   `json:"latestAmount"`
	UnpaidTotal   float64   `json:"unpaidTotal"`
	TotalInvoiced float64   `json:"totalInvoiced"`
}

// podState is everything the orchestrator tracks per POD. Guarded by the
// orchestrator mutex.
type podState struct {
	lastDate string
	table    *types.PriceTable
	latest   *LatestView
	invoices []types.Invoice
}

// Orchestrator owns the import lifecycle: incremental ticks, pricing
// refreshes and full historical rebuilds. Only one import runs at a time.
type Orchestrator struct {
	source  eon.Source
	db      storage.Database
	builder *statistics.Builder

	settings types.Settings

	mu          sync.Mutex
	state       runState
	pods        map[string]*podState
	unavailable bool
}

// New creates an Orchestrator with explicit settings. Used by tests;
// production wiring goes through Configured.
func New(source eon.Source, db storage.Database, settings types.Settings) *Orchestrator {
	o := &Orchestrator{
		source:   source,
		db:       db,
		builder:  statistics.NewBuilder(db),
		settings: settings,
		pods:     make(map[string]*podState),
	}
	for _, pod := range settings.PODs {
		o.pods[pod] = &podState{table: &types.PriceTable{}}
	}
	return o
}

// Configured sets up flags for the orchestrator and returns the instance.
func Configured(source eon.Source, db storage.Database) *Orchestrator {
	o := &Orchestrator{
		source:  source,
		db:      db,
		builder: statistics.NewBuilder(db),
		pods:    make(map[string]*podState),
	}
	pods := lflag.String("pods", "", "comma-separated POD codes to track")
	tariffType := lflag.String("tariff-type", types.TariffMultioraria, "tariff type: multioraria or monoraria")

	lflag.Do(func() {
		var list []string
		for _, p := range strings.Split(*pods, ",") {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		o.settings = types.Settings{PODs: list, TariffType: *tariffType}
		for _, pod := range list {
			o.pods[pod] = &podState{table: &types.PriceTable{}}
		}
		if err := o.Validate(); err != nil {
			panic(fmt.Sprintf("importer validation failed: %v", err))
		}
	})

	return o
}

// Validate ensures the configuration is valid.
func (o *Orchestrator) Validate() error {
	return o.settings.Validate()
}

// PODs returns the configured POD codes.
func (o *Orchestrator) PODs() []string {
	return o.settings.PODs
}

// Init seeds the API client with the persisted token pair, if any. Flag
// provided tokens stay in place when nothing is stored.
func (o *Orchestrator) Init(ctx context.Context) error {
	pair, err := o.db.GetTokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stored tokens: %w", err)
	}
	if pair.AccessToken != "" {
		o.source.SetTokens(pair)
	}
	return nil
}

// Available reports whether the upstream API is currently usable. It goes
// false on an authentication failure and back to true on the next
// successful fetch.
func (o *Orchestrator) Available() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.unavailable
}

// LatestDay returns the display snapshot for a POD.
func (o *Orchestrator) LatestDay(pod string) (LatestView, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ps, ok := o.pods[pod]
	if !ok || ps.latest == nil {
		return LatestView{}, false
	}
	return *ps.latest, true
}

// Invoices returns the summary of the cached invoices for a POD.
func (o *Orchestrator) Invoices(pod string) (InvoiceSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ps, ok := o.pods[pod]
	if !ok || len(ps.invoices) == 0 {
		return InvoiceSummary{}, false
	}

	var sum InvoiceSummary
	for _, inv := range ps.invoices {
		amount, ok := inv.AmountForPOD(pod)
		if !ok {
			continue
		}
		sum.TotalInvoiced += amount
		if inv.Residual > 0 {
			sum.UnpaidTotal += inv.Residual
		}
		if inv.Issued.After(sum.LatestIssued) {
			sum.LatestIssued = inv.Issued
			sum.LatestNumber = inv.Number
			sum.LatestAmount = amount
		}
	}
	return sum, sum.LatestNumber != ""
}

func (o *Orchestrator) tryAcquire(s runState) (runState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != stateIdle {
		return o.state, false
	}
	o.state = s
	return s, true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.state = stateIdle
	o.mu.Unlock()
}

// persistTokens writes any refreshed token pair back to storage so a
// rotated refresh token survives a restart.
func (o *Orchestrator) persistTokens(ctx context.Context) {
	pair, ok := o.source.TokenUpdate()
	if !ok {
		return
	}
	if err := o.db.SetTokens(ctx, pair); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist refreshed tokens",
			slog.Any("error", err))
	}
}

// noteFetchResult flips the availability flag on auth errors and restores
// it on success.
func (o *Orchestrator) noteFetchResult(ctx context.Context, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.unavailable = false
		return
	}
	if eon.IsAuthError(err) {
		if !o.unavailable {
			log.Ctx(ctx).ErrorContext(ctx, "api credentials rejected, marking source unavailable")
		}
		o.unavailable = true
	}
}

// probeWindow returns the [start, end] day range an incremental tick looks
// at: from 7 down to 2 days before now.
func probeWindow(now time.Time) (time.Time, time.Time) {
	now = now.In(tariff.Location())
	return now.AddDate(0, 0, -probeWindowDays), now.AddDate(0, 0, -dataDelayDays)
}

// IncrementalTick fetches the recent probe window for every POD and
// extends the statistics with any days newer than the last imported one.
// While a historical rebuild is running the tick only refreshes the
// display snapshot and writes nothing.
func (o *Orchestrator) IncrementalTick(ctx context.Context) error {
	defer o.persistTokens(ctx)

	state, ok := o.tryAcquire(stateIncremental)
	if !ok {
		if state == stateHistorical {
			log.Ctx(ctx).InfoContext(ctx, "historical import running, display-only tick")
			return o.displayTick(ctx)
		}
		log.Ctx(ctx).WarnContext(ctx, "previous incremental tick still running, skipping")
		return nil
	}
	defer o.release()

	start, end := probeWindow(time.Now())
	var firstErr error
	for _, pod := range o.settings.PODs {
		if err := o.tickPOD(ctx, pod, start, end); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "incremental tick failed for pod",
				slog.String("pod", pod), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) tickPOD(ctx context.Context, pod string, start, end time.Time) error {
	days, err := o.source.FetchHourly(ctx, pod, start, end)
	o.noteFetchResult(ctx, err)
	if err != nil {
		return err
	}
	if len(days) == 0 {
		log.Ctx(ctx).InfoContext(ctx, "no days reported in probe window",
			slog.String("pod", pod))
		return nil
	}

	o.updateLatest(pod, days)

	o.mu.Lock()
	ps := o.pods[pod]
	lastDate := ps.lastDate
	table := ps.table
	o.mu.Unlock()

	// dates are YYYY-MM-DD so string comparison is chronological
	var maxDate string
	fresh := days[:0:0]
	for _, day := range days {
		if day.Date > maxDate {
			maxDate = day.Date
		}
		if lastDate == "" || day.Date > lastDate {
			fresh = append(fresh, day)
		}
	}

	if len(fresh) > 0 {
		res, err := o.builder.Extend(ctx, pod, fresh, table, o.settings.TariffType, false)
		if err != nil {
			return err
		}
		log.Ctx(ctx).InfoContext(ctx, "imported new days",
			slog.String("pod", pod),
			slog.Int("days", len(fresh)),
			slog.Float64("kwh", res.TotalKWH))
	}

	// the marker advances even when everything was already imported, so
	// a re-reported old day can't be ingested twice
	if maxDate > lastDate {
		o.mu.Lock()
		o.pods[pod].lastDate = maxDate
		o.mu.Unlock()
	}
	return nil
}

// displayTick refreshes the latest-day snapshot without touching the
// store.
func (o *Orchestrator) displayTick(ctx context.Context) error {
	start, end := probeWindow(time.Now())
	var firstErr error
	for _, pod := range o.settings.PODs {
		days, err := o.source.FetchHourly(ctx, pod, start, end)
		o.noteFetchResult(ctx, err)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.updateLatest(pod, days)
	}
	return firstErr
}

func (o *Orchestrator) updateLatest(pod string, days []types.ConsumptionDay) {
	var newest *types.ConsumptionDay
	for i := range days {
		if newest == nil || days[i].Date > newest.Date {
			newest = &days[i]
		}
	}
	if newest == nil {
		return
	}

	view := LatestView{
		POD:        pod,
		Date:       newest.Date,
		DailyTotal: newest.Total(),
		Source:     newest.Source,
	}
	for hour := 24; hour >= 1; hour-- {
		if v, ok := newest.HourValue(hour); ok {
			view.LastHour = hour
			view.LastValue = v
			break
		}
	}

	o.mu.Lock()
	if ps, ok := o.pods[pod]; ok {
		if ps.latest == nil || view.Date >= ps.latest.Date {
			ps.latest = &view
		}
	}
	o.mu.Unlock()
}

// RefreshPricing rebuilds the price table of every POD from invoices,
// official monthly consumption and energy wallet breakdowns. Called from
// the invoice poller and between historical passes.
func (o *Orchestrator) RefreshPricing(ctx context.Context) error {
	defer o.persistTokens(ctx)
	return o.refreshPricing(ctx, nil)
}

// refreshPricing optionally merges observed monthly totals (from a
// historical pass) under the official ones, which always win.
func (o *Orchestrator) refreshPricing(ctx context.Context, observed map[string]map[types.MonthKey]float64) error {
	now := time.Now().In(tariff.Location())
	invoices, err := o.source.FetchInvoices(ctx, now.AddDate(-invoiceLookbackYears, 0, 0), now)
	o.noteFetchResult(ctx, err)
	if err != nil {
		return fmt.Errorf("failed to fetch invoices: %w", err)
	}

	var firstErr error
	for _, pod := range o.settings.PODs {
		monthly, err := o.source.FetchMonthly(ctx, pod, now.AddDate(-2, 0, 0), now)
		o.noteFetchResult(ctx, err)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to fetch monthly consumption",
				slog.String("pod", pod), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if monthly == nil {
			monthly = make(map[types.MonthKey]float64)
		}
		for month, kwh := range observed[pod] {
			if _, ok := monthly[month]; !ok && kwh > 0 {
				monthly[month] = kwh
			}
		}

		var totalKWH float64
		for _, kwh := range monthly {
			totalKWH += kwh
		}

		table, err := pricing.BuildTable(ctx, pod, invoices, monthly, o.source.FetchWallet, totalKWH)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to build price table",
				slog.String("pod", pod), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		o.mu.Lock()
		if ps, ok := o.pods[pod]; ok {
			ps.table = table
			ps.invoices = invoices
		}
		o.mu.Unlock()

		log.Ctx(ctx).InfoContext(ctx, "refreshed pricing",
			slog.String("pod", pod),
			slog.Int("monthlyRates", len(table.Monthly)),
			slog.Int("bandRates", len(table.PerBand)),
			slog.Bool("fallback", table.FallbackRate > 0))
	}
	return firstErr
}

// RunHistorical rebuilds every series from scratch over the last days
// days. Pass one imports consumption with whatever pricing is already
// cached, then pricing is refreshed using the official monthly totals
// plus the totals observed in pass one, and pass two rebuilds again so
// the cost series covers the whole range. Returns ErrBusy when any
// import is already running.
func (o *Orchestrator) RunHistorical(ctx context.Context, days int) error {
	if _, ok := o.tryAcquire(stateHistorical); !ok {
		return ErrBusy
	}
	return o.runHistorical(ctx, days)
}

// BeginHistorical acquires the historical state and runs the rebuild in a
// goroutine, so an HTTP handler can answer immediately. Returns ErrBusy
// without starting anything when an import is already running.
func (o *Orchestrator) BeginHistorical(ctx context.Context, days int) error {
	if _, ok := o.tryAcquire(stateHistorical); !ok {
		return ErrBusy
	}
	go func() {
		if err := o.runHistorical(ctx, days); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "historical import failed",
				slog.Int("days", days), slog.Any("error", err))
		}
	}()
	return nil
}

// runHistorical does the actual rebuild. The historical state must already
// be held; it is released on return.
func (o *Orchestrator) runHistorical(ctx context.Context, days int) error {
	defer o.persistTokens(ctx)
	defer func() {
		// the marker moves regardless of outcome so the next incremental
		// tick picks up from the probe window, not from stale state
		cutoff := time.Now().In(tariff.Location()).AddDate(0, 0, -dataDelayDays).Format(types.DateLayout)
		o.mu.Lock()
		for _, ps := range o.pods {
			ps.lastDate = cutoff
		}
		o.state = stateIdle
		o.mu.Unlock()
	}()

	now := time.Now().In(tariff.Location())
	end := now.AddDate(0, 0, -dataDelayDays)
	start := now.AddDate(0, 0, -days)

	log.Ctx(ctx).InfoContext(ctx, "starting historical import",
		slog.Int("days", days),
		slog.String("start", start.Format(types.DateLayout)),
		slog.String("end", end.Format(types.DateLayout)))

	// pass one: consumption
	fetched := make(map[string][]types.ConsumptionDay, len(o.settings.PODs))
	observed := make(map[string]map[types.MonthKey]float64, len(o.settings.PODs))
	for _, pod := range o.settings.PODs {
		podDays, err := o.fetchRange(ctx, pod, start, end)
		if err != nil {
			return fmt.Errorf("failed to fetch history for %s: %w", pod, err)
		}
		fetched[pod] = podDays
		o.updateLatest(pod, podDays)

		o.mu.Lock()
		table := o.pods[pod].table
		o.mu.Unlock()

		res, err := o.builder.Extend(ctx, pod, podDays, table, o.settings.TariffType, true)
		if err != nil {
			return fmt.Errorf("failed to rebuild consumption for %s: %w", pod, err)
		}

		months := make(map[types.MonthKey]float64)
		for date, total := range res.DailyTotals {
			if t, err := time.Parse(types.DateLayout, date); err == nil {
				months[types.MonthOf(t)] += total
			}
		}
		observed[pod] = months
	}

	// pricing over the freshly observed range
	if err := o.refreshPricing(ctx, observed); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "pricing refresh failed, cost backfill will be partial",
			slog.Any("error", err))
	}

	// pass two: cost backfill over the same days
	for _, pod := range o.settings.PODs {
		o.mu.Lock()
		table := o.pods[pod].table
		o.mu.Unlock()
		if !table.HasPricing() {
			log.Ctx(ctx).WarnContext(ctx, "no pricing available, skipping cost backfill",
				slog.String("pod", pod))
			continue
		}
		if _, err := o.builder.Extend(ctx, pod, fetched[pod], table, o.settings.TariffType, true); err != nil {
			return fmt.Errorf("failed to backfill cost for %s: %w", pod, err)
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "historical import finished", slog.Int("days", days))
	return nil
}

// fetchRange fetches hourly days over [start, end] in chunks.
func (o *Orchestrator) fetchRange(ctx context.Context, pod string, start, end time.Time) ([]types.ConsumptionDay, error) {
	var all []types.ConsumptionDay
	for chunkStart := start; !chunkStart.After(end); chunkStart = chunkStart.AddDate(0, 0, fetchChunkDays) {
		chunkEnd := chunkStart.AddDate(0, 0, fetchChunkDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		days, err := o.source.FetchHourly(ctx, pod, chunkStart, chunkEnd)
		o.noteFetchResult(ctx, err)
		if err != nil {
			return nil, err
		}
		all = append(all, days...)
	}
	return all, nil
}
