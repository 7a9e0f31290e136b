package storagemock

import (
	"context"
	"time"

	"github.com/fasciatrack/fasciatrack/pkg/storage"
	"github.com/fasciatrack/fasciatrack/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) LastPoint(ctx context.Context, pod string, kind types.SeriesKind) (*types.StatisticPoint, error) {
	args := m.Called(ctx, pod, kind)
	if len(args) > 0 {
		p, _ := args.Get(0).(*types.StatisticPoint)
		return p, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) WritePoints(ctx context.Context, pod string, kind types.SeriesKind, meta types.SeriesMeta, points []types.StatisticPoint) error {
	args := m.Called(ctx, pod, kind, meta, points)
	return args.Error(0)
}

func (m *MockDatabase) GetPoints(ctx context.Context, pod string, kind types.SeriesKind, start, end time.Time) ([]types.StatisticPoint, error) {
	args := m.Called(ctx, pod, kind, start, end)
	if len(args) > 0 {
		p, _ := args.Get(0).([]types.StatisticPoint)
		return p, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetTokens(ctx context.Context) (types.TokenPair, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.TokenPair), args.Error(1)
	}
	return types.TokenPair{}, nil
}

func (m *MockDatabase) SetTokens(ctx context.Context, pair types.TokenPair) error {
	args := m.Called(ctx, pair)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
