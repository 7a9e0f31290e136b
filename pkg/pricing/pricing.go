// Package pricing derives EUR/kWh rates from invoices, official monthly
// consumption figures and per-invoice wallet cost breakdowns.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/fasciatrack/fasciatrack/pkg/log"
	"github.com/fasciatrack/fasciatrack/pkg/types"
)

// maxWalletInvoices bounds how many recent invoices are consulted for the
// per-band wallet breakdown on each pricing refresh.
const maxWalletInvoices = 6

// Blend weights approximating a typical household consumption profile.
// The blended rate is informational only.
const (
	blendWeightF1 = 0.30
	blendWeightF2 = 0.25
	blendWeightF3 = 0.45
)

// WalletFunc fetches the wallet cost breakdown for an invoice.
type WalletFunc func(ctx context.Context, invoiceNumber, year string) (types.WalletBreakdown, error)

// MonthlyPrices derives a EUR/kWh rate per invoiced month. An invoice
// issued in month M bills for month M-1; the rate is the invoice's
// POD amount divided by the official consumption of the billed month.
// Invoices whose billed month has no known consumption are skipped. Later
// invoices for the same month overwrite earlier ones.
func MonthlyPrices(ctx context.Context, pod string, invoices []types.Invoice, monthly map[types.MonthKey]float64) map[types.MonthKey]float64 {
	prices := make(map[types.MonthKey]float64)
	for _, inv := range invoices {
		if inv.Issued.IsZero() {
			continue
		}
		amount, ok := inv.AmountForPOD(pod)
		if !ok || amount <= 0 {
			continue
		}
		target := inv.TargetMonth()
		kwh := monthly[target]
		if kwh <= 0 {
			log.Ctx(ctx).DebugContext(ctx, "no monthly consumption for invoiced month",
				slog.String("invoice", inv.Number),
				slog.Int("year", target.Year),
				slog.Int("month", int(target.Month)))
			continue
		}
		prices[target] = amount / kwh
	}
	return prices
}

// BandPrices derives an all-in EUR/kWh rate per band from the wallet
// breakdowns of the most recent invoices. Per-band unit energy prices are
// averaged across invoices, and the average fixed-cost-per-kWh (flat
// charges divided by billed energy) is added to every band so the rates
// cover the whole bill, not just the energy component.
func BandPrices(ctx context.Context, invoices []types.Invoice, wallet WalletFunc) (map[types.Band]float64, error) {
	if wallet == nil {
		return nil, nil
	}

	// invoices the wallet can't be looked up for must not occupy window
	// slots
	recent := make([]types.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if inv.Number == "" || inv.Issued.IsZero() {
			continue
		}
		recent = append(recent, inv)
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].Issued.After(recent[j].Issued)
	})
	if len(recent) > maxWalletInvoices {
		recent = recent[:maxWalletInvoices]
	}

	bandSums := make(map[types.Band]float64)
	bandCounts := make(map[types.Band]int)
	var fixedPerKWHSum float64
	var fixedCount int

	var fetched int
	for _, inv := range recent {
		wb, err := wallet(ctx, inv.Number, strconv.Itoa(inv.Issued.Year()))
		if err != nil {
			// a single missing wallet should not sink the whole refresh
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch wallet breakdown",
				slog.String("invoice", inv.Number), slog.Any("error", err))
			continue
		}
		fetched++
		for band, price := range wb.BandPrices {
			if price <= 0 {
				continue
			}
			bandSums[band] += price
			bandCounts[band]++
		}
		if wb.TotalKWH > 0 && wb.FixedCosts > 0 {
			fixedPerKWHSum += wb.FixedCosts / wb.TotalKWH
			fixedCount++
		}
	}

	if fetched == 0 && len(recent) > 0 {
		return nil, fmt.Errorf("no wallet breakdown could be fetched for %d invoices", len(recent))
	}
	if len(bandSums) == 0 {
		return nil, nil
	}

	var fixedPerKWH float64
	if fixedCount > 0 {
		fixedPerKWH = fixedPerKWHSum / float64(fixedCount)
	}

	prices := make(map[types.Band]float64, len(bandSums))
	for band, sum := range bandSums {
		prices[band] = sum/float64(bandCounts[band]) + fixedPerKWH
	}
	return prices, nil
}

// Blend collapses per-band rates into a single display rate using the
// 30/25/45 household profile. It must never replace banded pricing.
func Blend(perBand map[types.Band]float64) float64 {
	f1, ok1 := perBand[types.BandF1]
	f2, ok2 := perBand[types.BandF2]
	f3, ok3 := perBand[types.BandF3]
	if ok1 && ok2 && ok3 {
		return blendWeightF1*f1 + blendWeightF2*f2 + blendWeightF3*f3
	}
	if flat, ok := perBand[types.BandFlat]; ok {
		return flat
	}
	return 0
}

// FallbackRate is the last-resort flat rate: total invoiced amount for the
// POD divided by the total consumption known so far.
func FallbackRate(pod string, invoices []types.Invoice, totalKWH float64) (float64, bool) {
	if totalKWH <= 0 {
		return 0, false
	}
	var total float64
	for _, inv := range invoices {
		if amount, ok := inv.AmountForPOD(pod); ok && amount > 0 {
			total += amount
		}
	}
	if total <= 0 {
		return 0, false
	}
	return total / totalKWH, true
}

// BuildTable assembles the full price table for a POD. The result is
// deterministic for identical inputs: the only ordering rule is the
// documented last-write-wins over chronologically processed invoices.
func BuildTable(
	ctx context.Context,
	pod string,
	invoices []types.Invoice,
	monthly map[types.MonthKey]float64,
	wallet WalletFunc,
	totalKnownKWH float64,
) (*types.PriceTable, error) {
	table := &types.PriceTable{
		Monthly: MonthlyPrices(ctx, pod, invoices, monthly),
	}

	// a wallet outage only costs the banded rates, monthly pricing still
	// stands on its own
	perBand, err := BandPrices(ctx, invoices, wallet)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "banded pricing unavailable",
			slog.String("pod", pod), slog.Any("error", err))
	}
	if len(perBand) > 0 {
		table.PerBand = perBand
		table.EffectiveRate = Blend(perBand)
	}

	if len(table.Monthly) == 0 && len(table.PerBand) == 0 {
		if rate, ok := FallbackRate(pod, invoices, totalKnownKWH); ok {
			table.FallbackRate = rate
			log.Ctx(ctx).InfoContext(ctx, "using fallback flat rate",
				slog.String("pod", pod), slog.Float64("rate", rate))
		}
	}
	return table, nil
}
