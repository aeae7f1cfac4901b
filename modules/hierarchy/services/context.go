package services

import "context"

type serviceCtxKey int

const (
	skipCacheInvalidationKey serviceCtxKey = iota
	skipChangelogKey
)

// WithSkipCacheInvalidation disables the synchronous post-commit branch
// invalidation for mutations in this context. The changelog event handler
// still invalidates asynchronously.
func WithSkipCacheInvalidation(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipCacheInvalidationKey, true)
}

func skipCacheInvalidation(ctx context.Context) bool {
	v, _ := ctx.Value(skipCacheInvalidationKey).(bool)
	return v
}

// WithSkipChangelog disables changelog enqueue for mutations in this context.
// Used by backfill tooling that replays an already published history.
func WithSkipChangelog(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipChangelogKey, true)
}

func skipChangelog(ctx context.Context) bool {
	v, _ := ctx.Value(skipChangelogKey).(bool)
	return v
}
