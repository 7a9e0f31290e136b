package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/fasciatrack/fasciatrack/pkg/log"
	"github.com/fasciatrack/fasciatrack/pkg/statistics"
	"github.com/fasciatrack/fasciatrack/pkg/storage"
	"github.com/fasciatrack/fasciatrack/pkg/tariff"
	"github.com/fasciatrack/fasciatrack/pkg/types"
)

// Seeds the Firestore emulator with a plausible month of hourly
// consumption and cost series for local frontend work, no API
// credentials needed.
func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	pod := lflag.String("pod", "IT001E000000001", "POD to seed")
	daysStr := lflag.String("days", "30", "number of days to seed")
	priceStr := lflag.String("price", "0.25", "flat EUR/kWh used for the cost series")
	lflag.Configure()

	ctx := context.Background()

	days, err := strconv.Atoi(*daysStr)
	if err != nil || days < 1 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid days", "days", *daysStr)
		os.Exit(1)
	}
	price, err := strconv.ParseFloat(*priceStr, 64)
	if err != nil || price <= 0 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid price", "price", *priceStr)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding mock consumption data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	loc := tariff.Location()
	now := time.Now().In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -days)

	sums := map[types.SeriesKind]float64{}
	points := map[types.SeriesKind][]types.StatisticPoint{}

	for day := start; day.Before(now); day = day.AddDate(0, 0, 1) {
		for hour := 1; hour <= 24; hour++ {
			ts := day.Add(time.Duration(hour-1) * time.Hour)
			if !ts.Before(now) {
				break
			}

			// Baseline draw plus a morning and an evening bump
			kwh := 0.15 + rng.Float64()*0.1
			dist := math.Abs(float64(hour) - 8.0)
			kwh += 0.6 * math.Exp(-(dist*dist)/6.0)
			dist = math.Abs(float64(hour) - 20.0)
			kwh += 1.2 * math.Exp(-(dist*dist)/8.0)

			add := func(kind types.SeriesKind, value float64) {
				sums[kind] += value
				points[kind] = append(points[kind], types.StatisticPoint{
					Start: ts,
					Value: value,
					Sum:   sums[kind],
				})
			}

			add(types.SeriesTotal, kwh)
			if kind, ok := types.SeriesForBand(tariff.BandFor(day, hour)); ok {
				add(kind, kwh)
			}
			add(types.SeriesCost, kwh*price)
		}
	}

	for kind, pts := range points {
		if err := s.WritePoints(ctx, *pod, kind, statistics.MetaFor(*pod, kind), pts); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed points", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded %d points into %s/%s (sum %.1f)\n", len(pts), *pod, kind, sums[kind])
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
