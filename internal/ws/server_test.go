package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"livemarket/internal/identity"
	"livemarket/internal/models"
	"livemarket/internal/presence"
	"livemarket/internal/rooms"
	"livemarket/internal/serial"
	"livemarket/internal/services/auction"
	"livemarket/internal/services/conversation"
	"livemarket/internal/store"
)

type harness struct {
	srv      *httptest.Server
	resolver *identity.Resolver
	ws       *WsServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	for _, u := range []models.User{{ID: "A", Name: "Ann"}, {ID: "B", Name: "Bob"}} {
		st.AddUser(u)
	}
	st.AddEntity("p1", models.KindProduct, nil)
	st.AddEntity("d1", models.KindDemand, nil)

	rm := rooms.NewManager()
	lanes := serial.New()
	resolver := identity.NewResolver("test-secret", st)

	wsSrv := NewWsServer(Deps{
		Identity:     resolver,
		Rooms:        rm,
		Presence:     presence.NewRegistry(rm),
		Auctions:     auction.NewCoordinator(st, nil, rm, lanes, auction.Options{}),
		Conversation: conversation.NewCoordinator(st, rm, lanes),
	}, Options{AllowedOrigins: []string{"https://app.example"}, SendBuffer: 32})

	engine := gin.New()
	engine.GET("/ws", wsSrv.Handle)
	srv := httptest.NewServer(engine)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = wsSrv.Shutdown(ctx)
		srv.Close()
		_ = lanes.Close(ctx)
	})
	return &harness{srv: srv, resolver: resolver, ws: wsSrv}
}

func (h *harness) url(token string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + token
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(t *testing.T, userID string) *peer {
	t.Helper()
	token, err := h.resolver.Issue(userID, time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(h.url(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) emit(event string, body any) {
	p.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteJSON(Envelope{Event: event, Body: raw}))
}

// expect reads frames until event arrives, failing after a timeout.
func (p *peer) expect(event string, into any) {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		var env Envelope
		require.NoError(p.t, p.conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event != event {
			continue
		}
		if into != nil {
			require.NoError(p.t, json.Unmarshal(env.Body, into))
		}
		return
	}
}

func TestHandshakeRequiresToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.url("bogus"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := h.resolver.Issue("A", time.Hour)
	require.NoError(t, err)
	hdr := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err = websocket.DefaultDialer.Dial(h.url(token), hdr)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPresenceLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.dial(t, "A")
	b := h.dial(t, "B")

	a.emit("userOnline", map[string]string{"_id": "spoofed"})
	var online []models.User
	a.expect("onlineUsers", &online)
	require.Len(t, online, 1)
	require.Equal(t, "A", online[0].ID)

	b.emit("userOnline", nil)
	var ack OnlineAck
	b.expect("userOnline-ack", &ack)
	require.Equal(t, 2, ack.Online)

	a.expect("onlineUsers", &online)
	require.Len(t, online, 2)

	require.NoError(t, b.conn.Close())
	a.expect("onlineUsers", &online)
	require.Len(t, online, 1)
	require.Equal(t, "A", online[0].ID)
}

func TestBidIsBroadcastToRoom(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.dial(t, "A")
	b := h.dial(t, "B")

	a.emit("joinProductRoom", "p1")
	var bids []models.Bid
	a.expect("updateBids", &bids)
	require.Empty(t, bids)
	a.expect("joinProductRoom-ack", nil)

	b.emit("placeBid", PlaceBidRequest{ProductID: "p1", Bid: BidBody{Price: 100}})
	var ack PlaceBidAck
	b.expect("placeBid-ack", &ack)
	require.True(t, ack.Promoted)
	require.Equal(t, 100.0, ack.HighestBidAmount)

	a.expect("updateBids", &bids)
	require.Len(t, bids, 1)
	require.Equal(t, 100.0, bids[0].Amount)
	require.Equal(t, "B", bids[0].BidderID)
	require.Equal(t, "Bob", bids[0].Bidder.Name)
}

func TestDemandBidWithObjectJoin(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.dial(t, "A")

	a.emit("joinDemandRoom", map[string]string{"demandId": "d1"})
	a.expect("joinDemandRoom-ack", nil)

	a.emit("placeDemandBid", PlaceBidRequest{ProductID: "d1",
		Bid: BidBody{Price: 70, Note: "fast", Images: []string{"https://cdn/x.jpg"}}})
	var bids []models.Bid
	a.expect("updateDemandBids", &bids)
	for len(bids) == 0 {
		a.expect("updateDemandBids", &bids)
	}
	require.Equal(t, "fast", bids[0].Note)
	require.Equal(t, "A", bids[0].BidderID)
}

func TestErrorReplies(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.dial(t, "A")

	tests := []struct {
		event string
		body  any
		code  string
	}{
		{event: "noSuchEvent", body: nil, code: "validation"},
		{event: "placeBid", body: PlaceBidRequest{ProductID: "p1", Bid: BidBody{Price: -1}}, code: "validation"},
		{event: "placeBid", body: PlaceBidRequest{Bid: BidBody{Price: 5}}, code: "validation"},
		{event: "placeBid", body: PlaceBidRequest{ProductID: "ghost", Bid: BidBody{Price: 5}}, code: "not_found"},
		{event: "joinUser", body: "B", code: "forbidden"},
		{event: "joinConversation", body: "missing", code: "not_found"},
		{event: "joinProductRoom", body: "user_B", code: "not_found"},
		{event: "joinDemandRoom", body: "p1", code: "not_found"},
		{event: "typing", body: ConversationRequest{ConversationID: "missing"}, code: "not_found"},
		{event: "sendMessage", body: map[string]string{"text": "hi"}, code: "validation"},
	}
	for _, tc := range tests {
		a.emit(tc.event, tc.body)
		var body ErrorBody
		a.expect("error", &body)
		require.Equal(t, tc.event, body.Event)
		require.Equal(t, tc.code, body.Code, tc.event)
	}
}

func TestChatFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.dial(t, "A")
	b := h.dial(t, "B")

	a.emit("joinUser", "A")
	a.expect("joinUser-ack", nil)
	b.emit("joinUser", map[string]string{"userId": "B"})
	b.expect("joinUser-ack", nil)

	a.emit("sendMessage", map[string]any{"conversationId": "new", "receiverId": "B",
		"message": map[string]string{"text": "hello"}})

	var conv models.Conversation
	b.expect("newConversation", &conv)
	require.ElementsMatch(t, []string{"A", "B"}, conv.ParticipantIDs)
	var msg models.Message
	b.expect("receiveMessage", &msg)
	require.Equal(t, "hello", msg.Text)
	require.Equal(t, "A", msg.SenderID)

	var sent SendMessageAck
	a.expect("sendMessage-ack", &sent)
	require.True(t, sent.Created)
	require.Equal(t, conv.ID, sent.ConversationID)

	b.emit("unseenCounts", nil)
	var counts map[string]int64
	b.expect("unseenCounts-ack", &counts)
	require.Equal(t, map[string]int64{conv.ID: 1}, counts)

	b.emit("joinConversation", conv.ID)
	b.expect("joinConversation-ack", nil)

	a.emit("typing", ConversationRequest{ConversationID: conv.ID})
	var sig conversation.TypingSignal
	b.expect("typing", &sig)
	require.Equal(t, "A", sig.User.ID)

	b.emit("seenMessage", map[string]string{"conversationId": conv.ID, "userId": "A"})
	var seen models.SeenUpdate
	a.expect("seenUpdate", &seen)
	require.Equal(t, "B", seen.UserID)
	require.Equal(t, []string{msg.ID}, seen.MessageIDs)
}

func TestShutdownClosesConnections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.dial(t, "A")
	a.emit("userOnline", nil)
	a.expect("userOnline-ack", nil)
	require.Equal(t, 1, h.ws.Connections())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.ws.Shutdown(ctx))
	require.Zero(t, h.ws.Connections())

	require.NoError(t, a.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := a.conn.ReadMessage(); err != nil {
			break
		}
	}
}
