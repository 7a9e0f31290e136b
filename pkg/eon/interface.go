// Package eon talks to the EON Energia customer API: hourly and monthly
// consumption curves, invoices and per-invoice energy wallet breakdowns.
package eon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fasciatrack/fasciatrack/pkg/types"
)

// Source is the upstream consumption and billing API.
type Source interface {
	// FetchHourly returns hourly consumption days for a POD in [start, end].
	// Days the meter has not reported yet are simply absent.
	FetchHourly(ctx context.Context, pod string, start, end time.Time) ([]types.ConsumptionDay, error)

	// FetchMonthly returns official monthly kWh totals for a POD in
	// [start, end], keyed by month.
	FetchMonthly(ctx context.Context, pod string, start, end time.Time) (map[types.MonthKey]float64, error)

	// FetchInvoices returns all invoices issued in [start, end] across
	// every supply on the account.
	FetchInvoices(ctx context.Context, start, end time.Time) ([]types.Invoice, error)

	// FetchWallet returns the energy wallet breakdown for one invoice.
	FetchWallet(ctx context.Context, invoiceNumber, year string) (types.WalletBreakdown, error)

	// SetTokens replaces the credentials used for API calls.
	SetTokens(pair types.TokenPair)

	// TokenUpdate returns a refreshed token pair once after each refresh,
	// so the caller can persist it. The second return is false when no
	// refresh happened since the last call.
	TokenUpdate() (types.TokenPair, bool)
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned status %d: %s", e.Status, e.Body)
}

// AuthError means the credentials are invalid and could not be refreshed.
// The caller should stop polling until new tokens are provided.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
