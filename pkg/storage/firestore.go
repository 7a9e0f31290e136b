package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/fasciatrack/fasciatrack/pkg/log"
	"github.com/fasciatrack/fasciatrack/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Statistic points live in per-POD, per-series subcollections
// keyed by the RFC3339 start timestamp, which gives upsert-by-timestamp
// semantics and lexicographically ordered range queries for free.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) seriesCollection(pod string, kind types.SeriesKind) (*firestore.CollectionRef, error) {
	if pod == "" {
		return nil, fmt.Errorf("pod cannot be empty")
	}
	return f.client.Collection("pods").Doc(pod).Collection("series_" + string(kind)), nil
}

// LastPoint retrieves the most recent point of a series by walking the
// timestamp index backwards. A series with no points returns nil.
func (f *FirestoreProvider) LastPoint(ctx context.Context, pod string, kind types.SeriesKind) (*types.StatisticPoint, error) {
	coll, err := f.seriesCollection(pod, kind)
	if err != nil {
		return nil, err
	}
	iter := coll.
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last point of %s/%s: %w", pod, kind, err)
	}

	p, err := decodePoint(ctx, doc, pod, kind)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// WritePoints upserts a batch of points into the series subcollection and
// refreshes the series metadata document. The document ID is the RFC3339
// UTC start timestamp so re-imports replace rather than duplicate points.
func (f *FirestoreProvider) WritePoints(ctx context.Context, pod string, kind types.SeriesKind, meta types.SeriesMeta, points []types.StatisticPoint) error {
	if len(points) == 0 {
		return nil
	}
	coll, err := f.seriesCollection(pod, kind)
	if err != nil {
		return err
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal series meta: %w", err)
	}
	_, err = f.client.Collection("pods").Doc(pod).Collection("meta").Doc(string(kind)).Set(ctx, map[string]interface{}{
		"json": string(metaBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save series meta for %s/%s: %w", pod, kind, err)
	}

	for _, p := range points {
		if p.Start.IsZero() {
			return fmt.Errorf("statistic point missing start time")
		}
		jsonBytes, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal statistic point: %w", err)
		}
		docID := p.Start.UTC().Format(time.RFC3339)
		_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": p.Start,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert point %s/%s@%s: %w", pod, kind, docID, err)
		}
	}
	return nil
}

// GetPoints retrieves the points with start times in [start, end).
// Uses document ID range queries for efficient filtering without reading
// every document.
func (f *FirestoreProvider) GetPoints(ctx context.Context, pod string, kind types.SeriesKind, start, end time.Time) ([]types.StatisticPoint, error) {
	coll, err := f.seriesCollection(pod, kind)
	if err != nil {
		return nil, err
	}
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var points []types.StatisticPoint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating points of %s/%s: %w", pod, kind, err)
		}
		p, err := decodePoint(ctx, doc, pod, kind)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

func decodePoint(ctx context.Context, doc *firestore.DocumentSnapshot, pod string, kind types.SeriesKind) (types.StatisticPoint, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "point doc missing json", slog.String("docID", doc.Ref.ID), slog.String("pod", pod), slog.Any("err", err))
		return types.StatisticPoint{}, fmt.Errorf("point doc %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "point doc json not string", slog.String("docID", doc.Ref.ID), slog.String("pod", pod))
		return types.StatisticPoint{}, fmt.Errorf("point doc %s 'json' field is not string", doc.Ref.ID)
	}
	var p types.StatisticPoint
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal point", slog.String("docID", doc.Ref.ID), slog.String("pod", pod), slog.Any("err", err))
		return types.StatisticPoint{}, fmt.Errorf("failed to unmarshal point (id=%s, kind=%s): %w", doc.Ref.ID, kind, err)
	}
	return p, nil
}

// GetTokens retrieves the persisted credential pair from the
// "config/tokens" document. Missing document means no tokens stored yet.
func (f *FirestoreProvider) GetTokens(ctx context.Context) (types.TokenPair, error) {
	doc, err := f.client.Collection("config").Doc("tokens").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.TokenPair{}, nil
		}
		return types.TokenPair{}, fmt.Errorf("failed to fetch tokens doc: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		return types.TokenPair{}, fmt.Errorf("tokens document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return types.TokenPair{}, fmt.Errorf("tokens 'json' field is not a string")
	}

	var pair types.TokenPair
	if err := json.Unmarshal([]byte(jsonStr), &pair); err != nil {
		return types.TokenPair{}, fmt.Errorf("failed to unmarshal tokens json: %w", err)
	}
	return pair, nil
}

// SetTokens saves the credential pair to the "config/tokens" document.
func (f *FirestoreProvider) SetTokens(ctx context.Context, pair types.TokenPair) error {
	jsonBytes, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	_, err = f.client.Collection("config").Doc("tokens").Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}
