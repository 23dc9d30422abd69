package ws

import (
	"context"
	"encoding/json"

	"livemarket/internal/models"
	"livemarket/internal/services/auction"
	"livemarket/internal/services/conversation"
)

func (s *WsServer) registerHandlers() {
	// 🔹 presence -------------------------------------------------------------
	Register(s.router, "userOnline",
		func(_ context.Context, cc *ConnContext, _ json.RawMessage) (OnlineAck, error) {
			online := s.deps.Presence.Announce(cc.ConnID, cc.User)
			return OnlineAck{Online: len(online)}, nil
		})

	// 🔹 entity rooms ---------------------------------------------------------
	Register(s.router, "joinProductRoom",
		func(ctx context.Context, cc *ConnContext, productID IDRef) (AckBody, error) {
			return AckBody{}, s.deps.Auctions.JoinEntity(ctx, cc.ConnID, string(productID), models.KindProduct)
		})
	Register(s.router, "joinDemandRoom",
		func(ctx context.Context, cc *ConnContext, demandID IDRef) (AckBody, error) {
			return AckBody{}, s.deps.Auctions.JoinEntity(ctx, cc.ConnID, string(demandID), models.KindDemand)
		})
	Register(s.router, "leaveProductRoom",
		func(_ context.Context, cc *ConnContext, productID IDRef) (AckBody, error) {
			s.deps.Auctions.LeaveEntity(cc.ConnID, string(productID), models.KindProduct)
			return AckBody{}, nil
		})
	Register(s.router, "leaveDemandRoom",
		func(_ context.Context, cc *ConnContext, demandID IDRef) (AckBody, error) {
			s.deps.Auctions.LeaveEntity(cc.ConnID, string(demandID), models.KindDemand)
			return AckBody{}, nil
		})

	// 🔹 bids -----------------------------------------------------------------
	Register(s.router, "placeBid",
		func(ctx context.Context, cc *ConnContext, req PlaceBidRequest) (PlaceBidAck, error) {
			return s.placeBid(ctx, cc, models.KindProduct, req)
		})
	Register(s.router, "placeDemandBid",
		func(ctx context.Context, cc *ConnContext, req PlaceBidRequest) (PlaceBidAck, error) {
			return s.placeBid(ctx, cc, models.KindDemand, req)
		})

	// 🔹 chat -----------------------------------------------------------------
	Register(s.router, "joinUser",
		func(_ context.Context, cc *ConnContext, userID IDRef) (AckBody, error) {
			return AckBody{}, s.joinPersonal(cc, string(userID))
		})
	Register(s.router, "joinConversation",
		func(ctx context.Context, cc *ConnContext, conversationID IDRef) (AckBody, error) {
			return AckBody{}, s.deps.Conversation.JoinConversation(ctx, cc.ConnID, string(conversationID), cc.User.ID)
		})
	Register(s.router, "leaveConversation",
		func(_ context.Context, cc *ConnContext, conversationID IDRef) (AckBody, error) {
			s.deps.Conversation.LeaveConversation(cc.ConnID, string(conversationID))
			return AckBody{}, nil
		})
	Register(s.router, "typing",
		func(ctx context.Context, cc *ConnContext, req ConversationRequest) (AckBody, error) {
			return AckBody{}, s.deps.Conversation.Typing(ctx, req.ConversationID, cc.User)
		})
	Register(s.router, "stopTyping",
		func(ctx context.Context, cc *ConnContext, req ConversationRequest) (AckBody, error) {
			return AckBody{}, s.deps.Conversation.StopTyping(ctx, req.ConversationID, cc.User)
		})
	Register(s.router, "sendMessage",
		func(ctx context.Context, cc *ConnContext, req SendMessageRequest) (SendMessageAck, error) {
			res, err := s.deps.Conversation.SendMessage(ctx, conversation.SendMessageInput{
				ConversationID: req.ConversationID,
				ReceiverID:     req.ReceiverID,
				Sender:         cc.User,
				Text:           req.text(),
			})
			if err != nil {
				return SendMessageAck{}, err
			}
			return SendMessageAck{
				MessageID:      res.Message.ID,
				ConversationID: res.Conversation.ID,
				Created:        res.Created,
			}, nil
		})
	Register(s.router, "seenMessage",
		func(ctx context.Context, cc *ConnContext, req ConversationRequest) (models.SeenUpdate, error) {
			return s.deps.Conversation.MarkSeen(ctx, req.ConversationID, cc.User.ID)
		})
	Register(s.router, "unseenCounts",
		func(ctx context.Context, cc *ConnContext, _ json.RawMessage) (map[string]int64, error) {
			return s.deps.Conversation.UnseenCounts(ctx, cc.User.ID)
		})
}

func (s *WsServer) placeBid(ctx context.Context, cc *ConnContext, kind models.EntityKind, req PlaceBidRequest) (PlaceBidAck, error) {
	res, err := s.deps.Auctions.SubmitBid(ctx, auction.BidSubmission{
		EntityID: req.ProductID,
		Kind:     kind,
		Bidder:   cc.User,
		Amount:   req.Bid.Price,
		Note:     req.Bid.Note,
		Images:   req.Bid.Images,
	})
	if err != nil {
		return PlaceBidAck{}, err
	}
	return PlaceBidAck{
		BidID:            res.Bid.ID,
		HighestBidAmount: res.Entity.HighestBidAmount,
		TotalBidCount:    res.Entity.TotalBidCount,
		Promoted:         res.Promoted,
	}, nil
}
