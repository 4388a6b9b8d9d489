package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hedgesystem/closebot/internal/domain"
)

// SnapshotCache implements domain.TelemetryCache. Each snapshot is stored as
// a JSON blob under its own key with a TTL, so a dead feed ages out instead
// of serving stale telemetry forever.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client. A
// non-positive ttl falls back to one minute.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SnapshotCache{rdb: c.Underlying(), ttl: ttl}
}

func marketKey(symbol string) string {
	return "telemetry:market:" + symbol
}

const (
	accountKey = "telemetry:account"
	systemKey  = "telemetry:system"
)

func (sc *SnapshotCache) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", key, err)
	}
	if err := sc.rdb.Set(ctx, key, data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (sc *SnapshotCache) get(ctx context.Context, key string, v any) error {
	data, err := sc.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("redis: unmarshal %s: %w", key, err)
	}
	return nil
}

// SetMarketCondition stores the latest market snapshot for one symbol.
func (sc *SnapshotCache) SetMarketCondition(ctx context.Context, mc domain.MarketCondition) error {
	return sc.set(ctx, marketKey(mc.Symbol), mc)
}

// MarketCondition returns the latest market snapshot for a symbol. It
// returns domain.ErrNotFound when no snapshot exists or the TTL expired.
func (sc *SnapshotCache) MarketCondition(ctx context.Context, symbol string) (domain.MarketCondition, error) {
	var mc domain.MarketCondition
	if err := sc.get(ctx, marketKey(symbol), &mc); err != nil {
		return domain.MarketCondition{}, err
	}
	return mc, nil
}

// SetAccountStatus stores the latest account snapshot.
func (sc *SnapshotCache) SetAccountStatus(ctx context.Context, as domain.AccountStatus) error {
	return sc.set(ctx, accountKey, as)
}

// AccountStatus returns the latest account snapshot.
func (sc *SnapshotCache) AccountStatus(ctx context.Context) (domain.AccountStatus, error) {
	var as domain.AccountStatus
	if err := sc.get(ctx, accountKey, &as); err != nil {
		return domain.AccountStatus{}, err
	}
	return as, nil
}

// SetSystemStatus stores the latest system connectivity snapshot.
func (sc *SnapshotCache) SetSystemStatus(ctx context.Context, ss domain.SystemStatus) error {
	return sc.set(ctx, systemKey, ss)
}

// SystemStatus returns the latest system connectivity snapshot.
func (sc *SnapshotCache) SystemStatus(ctx context.Context) (domain.SystemStatus, error) {
	var ss domain.SystemStatus
	if err := sc.get(ctx, systemKey, &ss); err != nil {
		return domain.SystemStatus{}, err
	}
	return ss, nil
}

// Compile-time interface check.
var _ domain.TelemetryCache = (*SnapshotCache)(nil)
