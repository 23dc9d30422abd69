package identity

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"livemarket/internal/liveerrors"
	"livemarket/internal/models"
	"livemarket/internal/store"
)

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	s := store.NewMemoryStore()
	s.AddUser(models.User{ID: "u1", Name: "Ann"})
	return NewResolver("secret", s)
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()
	r := newResolver(t)
	ctx := context.Background()

	good, err := r.Issue("u1", time.Hour)
	require.NoError(t, err)
	expired, err := r.Issue("u1", -time.Minute)
	require.NoError(t, err)
	ghost, err := r.Issue("ghost", time.Hour)
	require.NoError(t, err)
	foreign, err := NewResolver("other", nil).Issue("u1", time.Hour)
	require.NoError(t, err)
	subOnly, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).
		SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid", token: good},
		{name: "sub_claim_fallback", token: subOnly},
		{name: "empty", token: "", wantErr: true},
		{name: "garbage", token: "not-a-jwt", wantErr: true},
		{name: "expired", token: expired, wantErr: true},
		{name: "wrong_secret", token: foreign, wantErr: true},
		{name: "unknown_user", token: ghost, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u, err := r.Resolve(ctx, tc.token)
			if tc.wantErr {
				require.ErrorIs(t, err, liveerrors.ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "Ann", u.Name)
		})
	}
}

func TestCredential(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/ws?token=abc", nil)
	require.Equal(t, "abc", Credential(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer xyz")
	require.Equal(t, "xyz", Credential(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Basic xyz")
	require.Empty(t, Credential(req))
}
