package eon

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fasciatrack/fasciatrack/pkg/types"
)

// MockSource is a mock implementation of Source for testing.
type MockSource struct {
	mock.Mock
}

var _ Source = (*MockSource)(nil)

// FetchHourly mocks the FetchHourly method.
func (m *MockSource) FetchHourly(ctx context.Context, pod string, start, end time.Time) ([]types.ConsumptionDay, error) {
	args := m.Called(ctx, pod, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.ConsumptionDay), args.Error(1)
}

// FetchMonthly mocks the FetchMonthly method.
func (m *MockSource) FetchMonthly(ctx context.Context, pod string, start, end time.Time) (map[types.MonthKey]float64, error) {
	args := m.Called(ctx, pod, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[types.MonthKey]float64), args.Error(1)
}

// FetchInvoices mocks the FetchInvoices method.
func (m *MockSource) FetchInvoices(ctx context.Context, start, end time.Time) ([]types.Invoice, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Invoice), args.Error(1)
}

// FetchWallet mocks the FetchWallet method.
func (m *MockSource) FetchWallet(ctx context.Context, invoiceNumber, year string) (types.WalletBreakdown, error) {
	args := m.Called(ctx, invoiceNumber, year)
	return args.Get(0).(types.WalletBreakdown), args.Error(1)
}

// SetTokens mocks the SetTokens method.
func (m *MockSource) SetTokens(pair types.TokenPair) {
	m.Called(pair)
}

// TokenUpdate mocks the TokenUpdate method.
func (m *MockSource) TokenUpdate() (types.TokenPair, bool) {
	args := m.Called()
	return args.Get(0).(types.TokenPair), args.Bool(1)
}
