package log

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	// without an attached logger we fall back to the process default
	l1 := Ctx(ctx)
	require.NotNil(t, l1)
	assert.Equal(t, slog.Default(), l1)

	customLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	require.NotEqual(t, slog.Default(), customLogger)

	ctxWithLogger := With(ctx, customLogger)
	l2 := Ctx(ctxWithLogger)
	require.NotNil(t, l2)
	assert.Equal(t, customLogger, l2)

	// the attached logger does not leak into the parent context
	assert.Equal(t, slog.Default(), Ctx(ctx))
}
