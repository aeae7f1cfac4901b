package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/hierarchy/modules/hierarchy/infrastructure/cache"
)

func TestMemoryCache_GetSetRoundTrip(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	tenant := uuid.New()

	_, ok, err := c.Get(ctx, tenant, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, tenant, "k", []byte("v"), []string{"1.5"}, time.Minute))
	got, ok, err := c.Get(ctx, tenant, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)
}

func TestMemoryCache_TenantsAreIsolated(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()

	require.NoError(t, c.Set(ctx, tenantA, "k", []byte("a"), []string{"1"}, 0))

	_, ok, err := c.Get(ctx, tenantB, "k")
	require.NoError(t, err)
	require.False(t, ok)

	dropped, err := c.InvalidateBranch(ctx, tenantB, "1")
	require.NoError(t, err)
	require.Zero(t, dropped)

	_, ok, err = c.Get(ctx, tenantA, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryCache_InvalidateKey(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	tenant := uuid.New()

	require.NoError(t, c.Set(ctx, tenant, "a", []byte("a"), []string{"1.5"}, 0))
	require.NoError(t, c.Set(ctx, tenant, "b", []byte("b"), []string{"1.5"}, 0))

	require.NoError(t, c.InvalidateKey(ctx, tenant, "a"))
	require.NoError(t, c.InvalidateKey(ctx, tenant, "missing"))
	require.NoError(t, c.InvalidateKey(ctx, uuid.New(), "a"))

	_, ok, err := c.Get(ctx, tenant, "a")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = c.Get(ctx, tenant, "b")
	require.NoError(t, err)
	require.True(t, ok)

	// The surviving entry still unregisters through its branch tag.
	dropped, err := c.InvalidateBranch(ctx, tenant, "1.5")
	require.NoError(t, err)
	require.Equal(t, 1, dropped)
}

func TestMemoryCache_InvalidateBranchIsExact(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	tenant := uuid.New()

	// Tags around "1.5": an ancestor, the branch itself, a descendant, a
	// sibling, and the classic boundary trap "1.50".
	entries := map[string]string{
		"root":      "1",
		"branch":    "1.5",
		"child":     "1.5.23",
		"sibling":   "1.6",
		"lookalike": "1.50",
	}
	for key, tag := range entries {
		require.NoError(t, c.Set(ctx, tenant, key, []byte(key), []string{tag}, 0))
	}

	dropped, err := c.InvalidateBranch(ctx, tenant, "1.5")
	require.NoError(t, err)
	require.Equal(t, 3, dropped)

	for _, key := range []string{"root", "branch", "child"} {
		_, ok, err := c.Get(ctx, tenant, key)
		require.NoError(t, err)
		require.False(t, ok, "expected %s to be invalidated", key)
	}
	for _, key := range []string{"sibling", "lookalike"} {
		_, ok, err := c.Get(ctx, tenant, key)
		require.NoError(t, err)
		require.True(t, ok, "expected %s to survive", key)
	}
}

func TestMemoryCache_InvalidateFromDescendantDropsAncestorTags(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	tenant := uuid.New()

	require.NoError(t, c.Set(ctx, tenant, "subtree-at-root", []byte("x"), []string{"1"}, 0))
	require.NoError(t, c.Set(ctx, tenant, "subtree-elsewhere", []byte("y"), []string{"2"}, 0))

	dropped, err := c.InvalidateBranch(ctx, tenant, "1.5.23")
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	_, ok, _ := c.Get(ctx, tenant, "subtree-at-root")
	require.False(t, ok)
	_, ok, _ = c.Get(ctx, tenant, "subtree-elsewhere")
	require.True(t, ok)
}

func TestMemoryCache_MultiTagEntryDroppedOnce(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	tenant := uuid.New()

	require.NoError(t, c.Set(ctx, tenant, "k", []byte("v"), []string{"1.5", "1.6"}, 0))

	dropped, err := c.InvalidateBranch(ctx, tenant, "1.5")
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	// The entry is gone under its other tag too.
	dropped, err = c.InvalidateBranch(ctx, tenant, "1.6")
	require.NoError(t, err)
	require.Zero(t, dropped)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	tenant := uuid.New()

	require.NoError(t, c.Set(ctx, tenant, "k", []byte("v"), []string{"1"}, time.Nanosecond))
	time.Sleep(time.Millisecond)

	_, ok, err := c.Get(ctx, tenant, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryCache_SetOverwritesTags(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	tenant := uuid.New()

	require.NoError(t, c.Set(ctx, tenant, "k", []byte("v1"), []string{"1.5"}, 0))
	require.NoError(t, c.Set(ctx, tenant, "k", []byte("v2"), []string{"2.1"}, 0))

	// The old tag no longer reaches the entry.
	dropped, err := c.InvalidateBranch(ctx, tenant, "1.5")
	require.NoError(t, err)
	require.Zero(t, dropped)

	got, ok, err := c.Get(ctx, tenant, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), got)
}
