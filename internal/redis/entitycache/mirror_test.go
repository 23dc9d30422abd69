package entitycache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"

	"livemarket/internal/models"
)

func TestMirror_Put(t *testing.T) {
	t.Parallel()
	db, mock := redismock.NewClientMock()
	m := NewMirror(db)

	at := time.UnixMilli(1_750_000_000_123).UTC()
	e := models.EntityCache{EntityID: "p1", Kind: models.KindProduct, HighestBidAmount: 200.5,
		HighestBidderID: "u3", HighestBidAt: &at, TotalBidCount: 2}

	mock.ExpectFCall(fnPut, []string{"ent:p1", activeSet},
		"product", "2", "200.5", "u3", "1750000000123", "").SetVal(int64(1))
	applied, err := m.Put(context.Background(), e)
	require.NoError(t, err)
	require.True(t, applied)

	// stale snapshot refused by the function
	e.TotalBidCount = 1
	mock.ExpectFCall(fnPut, []string{"ent:p1", activeSet},
		"product", "1", "200.5", "u3", "1750000000123", "").SetVal(int64(0))
	applied, err = m.Put(context.Background(), e)
	require.NoError(t, err)
	require.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirror_Get(t *testing.T) {
	t.Parallel()
	db, mock := redismock.NewClientMock()
	m := NewMirror(db)

	mock.ExpectHGetAll("ent:d1").SetVal(map[string]string{
		"k": "demand", "cnt": "3", "hb": "90", "hbid": "u2", "hat": "1750000000000", "be": "",
	})
	e, ok, err := m.Get(context.Background(), "d1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.KindDemand, e.Kind)
	require.Equal(t, int64(3), e.TotalBidCount)
	require.Equal(t, 90.0, e.HighestBidAmount)
	require.Equal(t, time.UnixMilli(1_750_000_000_000).UTC(), *e.HighestBidAt)
	require.Nil(t, e.BidEnd)

	mock.ExpectHGetAll("ent:missing").SetVal(map[string]string{})
	_, ok, err = m.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectHGetAll("ent:broken").SetVal(map[string]string{"cnt": "x"})
	_, _, err = m.Get(context.Background(), "broken")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirror_ActiveIDs(t *testing.T) {
	t.Parallel()
	db, mock := redismock.NewClientMock()
	m := NewMirror(db)

	mock.ExpectSMembers(activeSet).SetVal([]string{"ent:p1", "ent:d1", "junk"})
	ids, err := m.ActiveIDs(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"p1", "d1"}, ids)

	mock.ExpectSMembers(activeSet).SetErr(errors.New("conn refused"))
	_, err = m.ActiveIDs(context.Background())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirror_Forget(t *testing.T) {
	t.Parallel()
	db, mock := redismock.NewClientMock()
	m := NewMirror(db)

	mock.ExpectFCall(fnForget, []string{"ent:p1", activeSet}).SetVal(int64(1))
	require.NoError(t, m.Forget(context.Background(), "p1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
