package http_server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"livemarket/internal/identity"
	"livemarket/internal/models"
	"livemarket/internal/rooms"
	"livemarket/internal/serial"
	"livemarket/internal/services/auction"
	"livemarket/internal/services/conversation"
	"livemarket/internal/store"
)

type stubWs struct{}

func (stubWs) Handle(c *gin.Context) { c.Status(http.StatusTeapot) }
func (stubWs) Shutdown(context.Context) error { return nil }

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("db down") }

type fixture struct {
	engine   *gin.Engine
	resolver *identity.Resolver
	convs    *conversation.Coordinator
	auctions *auction.Coordinator
}

func newFixture(t *testing.T, health Pinger) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	for _, u := range []models.User{{ID: "A", Name: "Ann"}, {ID: "B", Name: "Bob"}, {ID: "C", Name: "Cid"}} {
		st.AddUser(u)
	}
	st.AddEntity("p1", models.KindProduct, nil)
	if health == nil {
		health = st
	}

	rm := rooms.NewManager()
	lanes := serial.New()
	t.Cleanup(func() { _ = lanes.Close(context.Background()) })

	f := &fixture{
		resolver: identity.NewResolver("secret", st),
		convs:    conversation.NewCoordinator(st, rm, lanes),
		auctions: auction.NewCoordinator(st, nil, rm, lanes, auction.Options{}),
	}
	srv := NewHttpServer(context.Background(), 0, []string{"https://app.example"}, Deps{
		Ws: stubWs{}, Auctions: f.auctions, Chat: f.convs, Auth: f.resolver, Health: health,
	})
	f.engine = srv.Engine()
	return f
}

func (f *fixture) do(t *testing.T, method, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		token, err := f.resolver.Issue(userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	require.Equal(t, http.StatusOK, newFixture(t, nil).do(t, "GET", "/healthz", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, newFixture(t, downPinger{}).do(t, "GET", "/healthz", "").Code)
}

func TestWsRouteMounted(t *testing.T) {
	t.Parallel()
	require.Equal(t, http.StatusTeapot, newFixture(t, nil).do(t, "GET", "/ws", "").Code)
}

func TestEntityRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, amt := range []float64{150, 200} {
		_, err := f.auctions.SubmitBid(ctx, auction.BidSubmission{EntityID: "p1", Kind: models.KindProduct,
			Bidder: models.User{ID: "B"}, Amount: amt})
		require.NoError(t, err)
	}

	rec := f.do(t, "GET", "/entities/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.EntityCache
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, 200.0, snap.HighestBidAmount)
	require.Equal(t, int64(2), snap.TotalBidCount)

	rec = f.do(t, "GET", "/entities/p1/bids", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var bids []models.Bid
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bids))
	require.Len(t, bids, 2)
	require.Equal(t, 200.0, bids[0].Amount)

	require.Equal(t, http.StatusNotFound, f.do(t, "GET", "/entities/ghost", "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/entities/p1/bids?kind=auction", "").Code)
}

func TestChatRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	res, err := f.convs.SendMessage(context.Background(), conversation.SendMessageInput{
		ReceiverID: "B", Sender: models.User{ID: "A"}, Text: "hi"})
	require.NoError(t, err)
	convID := res.Conversation.ID

	require.Equal(t, http.StatusUnauthorized, f.do(t, "GET", "/conversations", "").Code)

	rec := f.do(t, "GET", "/conversations", "B")
	require.Equal(t, http.StatusOK, rec.Code)
	var convs []models.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs, 1)

	rec = f.do(t, "GET", "/conversations/"+convID+"/messages", "B")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Text)

	require.Equal(t, http.StatusForbidden, f.do(t, "GET", "/conversations/"+convID+"/messages", "C").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, "GET", "/conversations/nope/messages", "B").Code)

	rec = f.do(t, "GET", "/users/me/unseen", "B")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	require.Equal(t, map[string]int64{convID: 1}, counts)
}

func TestCorsPreflight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/conversations", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
