// Package syncdb periodically recomputes every mirrored entity cache from
// the bid ledger and writes the result back to Postgres and Redis.
package syncdb

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"livemarket/internal/liveerrors"
	"livemarket/internal/models"
)

const passTimeout = 5 * time.Second

// Ledger recomputes and persists an entity's derived cache.
type Ledger interface {
	RebuildEntityCache(ctx context.Context, entityID string) (models.EntityCache, error)
}

// Snapshots is the Redis side of the cache.
type Snapshots interface {
	ActiveIDs(ctx context.Context) ([]string, error)
	Put(ctx context.Context, e models.EntityCache) (bool, error)
	Forget(ctx context.Context, entityID string) error
}

// Lanes runs fn exclusively for key. Rebuilds share the lanes of bid
// commits, so a rebuild never interleaves with a commit of the same entity.
type Lanes interface {
	Do(ctx context.Context, key string, fn func()) error
}

type Reconciler struct {
	ledger   Ledger
	mirror   Snapshots
	lanes    Lanes
	interval time.Duration
}

func NewReconciler(ledger Ledger, mirror Snapshots, lanes Lanes, interval time.Duration) *Reconciler {
	return &Reconciler{ledger: ledger, mirror: mirror, lanes: lanes, interval: interval}
}

// Run blocks, reconciling every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	tk := time.NewTicker(r.interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			passCtx, cancel := context.WithTimeout(ctx, passTimeout)
			n := r.SyncOnce(passCtx)
			cancel()
			zap.L().Debug("syncdb.pass", zap.Int("entities", n))
		}
	}
}

// SyncOnce runs a single reconciliation pass and returns how many entities
// were rebuilt.
func (r *Reconciler) SyncOnce(ctx context.Context) int {
	ids, err := r.mirror.ActiveIDs(ctx)
	if err != nil {
		zap.L().Error("syncdb.active_ids", zap.Error(err))
		return 0
	}

	done := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		var ok bool
		if err := r.lanes.Do(ctx, id, func() { ok = r.rebuild(ctx, id) }); err != nil {
			zap.L().Warn("syncdb.lane", zap.String("id", id), zap.Error(err))
			break
		}
		if ok {
			done++
		}
	}
	return done
}

// rebuild runs on the entity's lane.
func (r *Reconciler) rebuild(ctx context.Context, id string) bool {
	e, err := r.ledger.RebuildEntityCache(ctx, id)
	if errors.Is(err, liveerrors.ErrNotFound) {
		// entity deleted by the catalog service
		if err := r.mirror.Forget(ctx, id); err != nil {
			zap.L().Warn("syncdb.forget", zap.String("id", id), zap.Error(err))
		}
		return false
	}
	if err != nil {
		zap.L().Error("syncdb.rebuild", zap.String("id", id), zap.Error(err))
		return false
	}
	if _, err := r.mirror.Put(ctx, e); err != nil {
		zap.L().Error("syncdb.mirror_put", zap.String("id", id), zap.Error(err))
		return false
	}
	return true
}
