package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Analytics caches per-proposal summary payloads so repeated row expansions
// in the admin list do not re-run the aggregate query. Misses are cheap;
// Redis being down degrades to uncached reads, never to errors.
type Analytics struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAnalytics(addr, password string, db int, ttl time.Duration) *Analytics {
	if addr == "" {
		return &Analytics{}
	}
	return &Analytics{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

func summaryKey(proposalID string) string {
	return "portal:analytics:" + proposalID
}

func (c *Analytics) GetSummary(ctx context.Context, proposalID string, dst any) bool {
	if c == nil || c.client == nil {
		return false
	}
	raw, err := c.client.Get(ctx, summaryKey(proposalID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("analytics cache read failed", "proposal_id", proposalID, "err", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false
	}
	return true
}

func (c *Analytics) SetSummary(ctx context.Context, proposalID string, v any) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, summaryKey(proposalID), raw, c.ttl).Err(); err != nil {
		slog.Warn("analytics cache write failed", "proposal_id", proposalID, "err", err)
	}
}

// Invalidate drops the cached summary after signing or deletion so the next
// read reflects the new terminal state.
func (c *Analytics) Invalidate(ctx context.Context, proposalID string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, summaryKey(proposalID)).Err(); err != nil {
		slog.Warn("analytics cache invalidate failed", "proposal_id", proposalID, "err", err)
	}
}
