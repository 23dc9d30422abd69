package main

import (
	"time"

	"go.uber.org/zap"

	"livemarket/internal/identity"
	"livemarket/internal/models"
	"livemarket/internal/store"
)

var demoUsers = []models.User{
	{ID: "u1", Name: "Alice", Role: "buyer"},
	{ID: "u2", Name: "Bob", Role: "seller"},
	{ID: "u3", Name: "Carol", Role: "buyer"},
}

// seedDemo fills the in-memory store for local runs.
func seedDemo(s *store.MemoryStore) {
	for _, u := range demoUsers {
		s.AddUser(u)
	}
	end := time.Now().Add(24 * time.Hour).UTC()
	s.AddEntity("p1", models.KindProduct, &end)
	s.AddEntity("p2", models.KindProduct, nil)
	s.AddEntity("d1", models.KindDemand, &end)
	s.AddGroupConversation("g1", "u1", "u2", "u3")
}

func logDemoTokens(r *identity.Resolver) {
	for _, u := range demoUsers {
		token, err := r.Issue(u.ID, 24*time.Hour)
		if err != nil {
			zap.L().Warn("demo.token", zap.String("user", u.ID), zap.Error(err))
			continue
		}
		zap.L().Info("demo.token", zap.String("user", u.ID), zap.String("token", token))
	}
}
