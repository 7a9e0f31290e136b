package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/fasciatrack/fasciatrack/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Database defines the interface for the statistics store and for token
// persistence. Series writes are upsert-by-timestamp: re-writing a point
// with the same start time replaces it.
type Database interface {
	// LastPoint returns the most recent point of a series, or nil when the
	// series has no points yet.
	LastPoint(ctx context.Context, pod string, kind types.SeriesKind) (*types.StatisticPoint, error)
	// WritePoints upserts a batch of points and the series display
	// metadata in one call.
	WritePoints(ctx context.Context, pod string, kind types.SeriesKind, meta types.SeriesMeta, points []types.StatisticPoint) error
	// GetPoints returns the points with start times in [start, end).
	GetPoints(ctx context.Context, pod string, kind types.SeriesKind, start, end time.Time) ([]types.StatisticPoint, error)

	// Credentials
	GetTokens(ctx context.Context) (types.TokenPair, error)
	SetTokens(ctx context.Context, pair types.TokenPair) error

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
