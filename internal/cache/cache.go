package cache

import "context"

// Backend is the uniform contract both cache variants satisfy (§4.3):
//
//	Get(ctx, key)              -> value, found
//	Put(ctx, key, value)
//	PutIfChanged(ctx, key, value)  -- writes only when value differs semantically
//	TryQuiesce(ctx)             -- best-effort compaction hint; no-op on remote backend
type Backend interface {
	Get(ctx context.Context, key Key) (Value, bool)
	Put(ctx context.Context, key Key, value Value)
	PutIfChanged(ctx context.Context, key Key, value Value)
	TryQuiesce(ctx context.Context)
}
