package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeduplicator(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	d := NewMemoryDeduplicator(time.Minute)
	d.now = func() time.Time { return now }

	seen, err := d.IsProcessed(ctx, "k")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.MarkProcessed(ctx, "k"))
	seen, _ = d.IsProcessed(ctx, "k")
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, _ = d.IsProcessed(ctx, "k")
	assert.False(t, seen, "expired keys are forgotten")
}

func TestMemoryDeduplicator_NoTTL(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDeduplicator(0)
	require.NoError(t, d.MarkProcessed(ctx, "k"))

	seen, _ := d.IsProcessed(ctx, "k")
	assert.True(t, seen)
}
