// Package entitycache mirrors each entity's highest-bid snapshot into Redis
// so reads never touch the ledger.
package entitycache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"livemarket/internal/models"
)

const (
	keyPrefix = "ent:"
	activeSet = "ents:active"

	fnPut    = "entity_cache_put"
	fnForget = "entity_cache_forget"
)

func key(entityID string) string { return keyPrefix + entityID }

type Mirror struct {
	rdb redis.Cmdable
}

func NewMirror(rdb redis.Cmdable) *Mirror {
	return &Mirror{rdb: rdb}
}

// Put stores e unless the mirror already holds a snapshot with more bids.
// It reports whether the write was applied.
func (m *Mirror) Put(ctx context.Context, e models.EntityCache) (bool, error) {
	n, err := m.rdb.FCall(ctx, fnPut,
		[]string{key(e.EntityID), activeSet},
		string(e.Kind),
		strconv.FormatInt(e.TotalBidCount, 10),
		strconv.FormatFloat(e.HighestBidAmount, 'f', -1, 64),
		e.HighestBidderID,
		formatMillis(e.HighestBidAt),
		formatMillis(e.BidEnd),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("mirror put %s: %w", e.EntityID, err)
	}
	return n == 1, nil
}

// Get returns the mirrored snapshot. ok is false on a cache miss.
func (m *Mirror) Get(ctx context.Context, entityID string) (models.EntityCache, bool, error) {
	snap, err := m.rdb.HGetAll(ctx, key(entityID)).Result()
	if err != nil {
		return models.EntityCache{}, false, fmt.Errorf("mirror get %s: %w", entityID, err)
	}
	if len(snap) == 0 {
		return models.EntityCache{}, false, nil
	}
	e, err := decode(entityID, snap)
	if err != nil {
		return models.EntityCache{}, false, err
	}
	return e, true, nil
}

// ActiveIDs lists every entity that has a mirrored snapshot.
func (m *Mirror) ActiveIDs(ctx context.Context) ([]string, error) {
	keys, err := m.rdb.SMembers(ctx, activeSet).Result()
	if err != nil {
		return nil, fmt.Errorf("mirror active set: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id, ok := strings.CutPrefix(k, keyPrefix); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Forget drops the snapshot and its active-set entry.
func (m *Mirror) Forget(ctx context.Context, entityID string) error {
	if err := m.rdb.FCall(ctx, fnForget, []string{key(entityID), activeSet}).Err(); err != nil {
		return fmt.Errorf("mirror forget %s: %w", entityID, err)
	}
	return nil
}

func decode(entityID string, snap map[string]string) (models.EntityCache, error) {
	e := models.EntityCache{
		EntityID:        entityID,
		Kind:            models.EntityKind(snap["k"]),
		HighestBidderID: snap["hbid"],
	}
	var err error
	if e.TotalBidCount, err = strconv.ParseInt(snap["cnt"], 10, 64); err != nil {
		return models.EntityCache{}, fmt.Errorf("mirror %s: bad count %q: %w", entityID, snap["cnt"], err)
	}
	if e.HighestBidAmount, err = strconv.ParseFloat(snap["hb"], 64); err != nil {
		return models.EntityCache{}, fmt.Errorf("mirror %s: bad amount %q: %w", entityID, snap["hb"], err)
	}
	e.HighestBidAt = parseMillis(snap["hat"])
	e.BidEnd = parseMillis(snap["be"])
	return e, nil
}

func formatMillis(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) *time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if s == "" || err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
