package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"livemarket/internal/liveerrors"
	"livemarket/internal/models"
)

// PostgresStore implements Store on database/sql with the pgx driver.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// persistErr tags err as an infrastructure failure unless it already carries
// a domain error.
func persistErr(op string, err error) error {
	if liveerrors.Public(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, liveerrors.ErrPersistence, err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (models.User, error) {
	const q = `SELECT id, name, coalesce(image, ''), role FROM users WHERE id = $1`
	var u models.User
	err := s.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.Name, &u.Image, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", id, liveerrors.ErrNotFound)
	}
	if err != nil {
		return models.User{}, persistErr("get user", err)
	}
	return u, nil
}

// ─────────────────────────────── entities / bids ─────────────────────────────

const entityCols = `id, kind, bid_end, highest_bid_amount,
       coalesce(highest_bidder_id, ''), highest_bid_at, total_bid_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (models.EntityCache, error) {
	var (
		e       models.EntityCache
		kind    string
		bidEnd  sql.NullTime
		highest sql.NullTime
	)
	if err := row.Scan(&e.EntityID, &kind, &bidEnd, &e.HighestBidAmount,
		&e.HighestBidderID, &highest, &e.TotalBidCount); err != nil {
		return models.EntityCache{}, err
	}
	e.Kind = models.EntityKind(kind)
	if bidEnd.Valid {
		t := bidEnd.Time.UTC()
		e.BidEnd = &t
	}
	if highest.Valid {
		t := highest.Time.UTC()
		e.HighestBidAt = &t
	}
	return e, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (models.EntityCache, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx,
		`SELECT `+entityCols+` FROM auction_entities WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.EntityCache{}, fmt.Errorf("entity %s: %w", id, liveerrors.ErrNotFound)
	}
	if err != nil {
		return models.EntityCache{}, persistErr("get entity", err)
	}
	return e, nil
}

// conditionalMaxUpdateQ bumps the bid counter and promotes the bid only when
// it is strictly higher than the cached maximum. All SET expressions read the
// pre-update row, so the whole cache moves in one atomic statement.
const conditionalMaxUpdateQ = `
	UPDATE auction_entities
	   SET total_bid_count    = total_bid_count + 1,
	       highest_bidder_id  = CASE WHEN $2 > highest_bid_amount THEN $3 ELSE highest_bidder_id END,
	       highest_bid_at     = CASE WHEN $2 > highest_bid_amount THEN $4 ELSE highest_bid_at END,
	       highest_bid_amount = GREATEST(highest_bid_amount, $2)
	 WHERE id = $1
	RETURNING ` + entityCols

// CreateBid appends the bid and updates the derived cache in one transaction.
// The entity row is locked for the duration, so concurrent writers from other
// processes queue behind it as well.
func (s *PostgresStore) CreateBid(ctx context.Context, arg CreateBidParams) (CreateBidResult, error) {
	bid := arg.Bid
	images, err := json.Marshal(nonNil(bid.Images))
	if err != nil {
		return CreateBidResult{}, fmt.Errorf("encode images: %w", liveerrors.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreateBidResult{}, persistErr("begin bid tx", err)
	}
	defer tx.Rollback()

	current, err := scanEntity(tx.QueryRowContext(ctx,
		`SELECT `+entityCols+` FROM auction_entities WHERE id = $1 FOR UPDATE`, bid.EntityID))
	if errors.Is(err, sql.ErrNoRows) {
		return CreateBidResult{}, fmt.Errorf("entity %s: %w", bid.EntityID, liveerrors.ErrNotFound)
	}
	if err != nil {
		return CreateBidResult{}, persistErr("lock entity", err)
	}
	if err := checkBidTarget(current, bid, arg.EnforceWindow); err != nil {
		return CreateBidResult{}, err
	}

	const insBid = `
	  INSERT INTO bids (id, entity_id, kind, bidder_id, amount, note, images, created_at)
	       VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.ExecContext(ctx, insBid,
		bid.ID, bid.EntityID, string(bid.Kind), bid.BidderID,
		bid.Amount, bid.Note, string(images), bid.CreatedAt,
	); err != nil {
		return CreateBidResult{}, persistErr("insert bid", err)
	}

	updated, err := scanEntity(tx.QueryRowContext(ctx, conditionalMaxUpdateQ,
		bid.EntityID, bid.Amount, bid.BidderID, bid.CreatedAt))
	if err != nil {
		return CreateBidResult{}, persistErr("update entity cache", err)
	}
	if updated.TotalBidCount != current.TotalBidCount+1 {
		return CreateBidResult{}, fmt.Errorf("entity %s: %w", bid.EntityID, liveerrors.ErrLostUpdate)
	}

	if err := tx.Commit(); err != nil {
		return CreateBidResult{}, persistErr("commit bid", err)
	}
	return CreateBidResult{
		Bid:      bid,
		Entity:   updated,
		Promoted: bid.Amount > current.HighestBidAmount,
	}, nil
}

// checkBidTarget validates the bid against the locked entity row.
func checkBidTarget(e models.EntityCache, bid models.Bid, enforceWindow bool) error {
	if e.Kind != bid.Kind {
		return fmt.Errorf("entity %s is a %s: %w", e.EntityID, e.Kind, liveerrors.ErrNotFound)
	}
	if enforceWindow && e.BidEnd != nil && bid.CreatedAt.After(*e.BidEnd) {
		return fmt.Errorf("entity %s closed at %s: %w",
			e.EntityID, e.BidEnd.Format(time.RFC3339), liveerrors.ErrBiddingClosed)
	}
	return nil
}

func (s *PostgresStore) ListBidsByEntity(ctx context.Context, entityID string, kind models.EntityKind) ([]models.Bid, error) {
	const q = `
	  SELECT b.id, b.entity_id, b.kind, b.bidder_id, b.amount, coalesce(b.note, ''),
	         b.images, b.created_at, coalesce(u.name, ''), coalesce(u.image, '')
	    FROM bids b
	    LEFT JOIN users u ON u.id = b.bidder_id
	   WHERE b.entity_id = $1 AND b.kind = $2
	   ORDER BY b.amount DESC, b.created_at ASC, b.id ASC`
	rows, err := s.db.QueryContext(ctx, q, entityID, string(kind))
	if err != nil {
		return nil, persistErr("list bids", err)
	}
	defer rows.Close()

	bids := make([]models.Bid, 0)
	for rows.Next() {
		var (
			b      models.Bid
			k      string
			images []byte
			bidder models.User
		)
		if err := rows.Scan(&b.ID, &b.EntityID, &k, &b.BidderID, &b.Amount, &b.Note,
			&images, &b.CreatedAt, &bidder.Name, &bidder.Image); err != nil {
			return nil, persistErr("scan bid", err)
		}
		b.Kind = models.EntityKind(k)
		b.CreatedAt = b.CreatedAt.UTC()
		if len(images) > 0 {
			if err := json.Unmarshal(images, &b.Images); err != nil {
				return nil, persistErr("decode bid images", err)
			}
		}
		bidder.ID = b.BidderID
		b.Bidder = &bidder
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list bids", err)
	}
	return bids, nil
}

const rebuildCacheQ = `
	WITH top AS (
	    SELECT bidder_id, amount, created_at
	      FROM bids
	     WHERE entity_id = $1
	     ORDER BY amount DESC, created_at ASC, id ASC
	     LIMIT 1
	)
	UPDATE auction_entities
	   SET highest_bid_amount = coalesce((SELECT amount FROM top), 0),
	       highest_bidder_id  = (SELECT bidder_id FROM top),
	       highest_bid_at     = (SELECT created_at FROM top),
	       total_bid_count    = (SELECT count(*) FROM bids WHERE entity_id = $1)
	 WHERE id = $1
	RETURNING ` + entityCols

// RebuildEntityCache recomputes the derived cache from the bid ledger. The
// entity row is locked first, so the recompute statement starts after any
// in-flight CreateBid has committed and reads its bid.
func (s *PostgresStore) RebuildEntityCache(ctx context.Context, entityID string) (models.EntityCache, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.EntityCache{}, persistErr("begin rebuild tx", err)
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM auction_entities WHERE id = $1 FOR UPDATE`, entityID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EntityCache{}, fmt.Errorf("entity %s: %w", entityID, liveerrors.ErrNotFound)
	}
	if err != nil {
		return models.EntityCache{}, persistErr("lock entity", err)
	}

	e, err := scanEntity(tx.QueryRowContext(ctx, rebuildCacheQ, entityID))
	if err != nil {
		return models.EntityCache{}, persistErr("rebuild entity cache", err)
	}
	if err := tx.Commit(); err != nil {
		return models.EntityCache{}, persistErr("commit rebuild", err)
	}
	return e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
