package oauth

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func jwtWithAccount(account string) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"account_id":"` + account + `"}`))
	return "h." + payload + ".s"
}

func TestAuthHeaderSkipsRefreshWhenFresh(t *testing.T) {
	refreshed := false
	s := New(Token{
		AccessToken: "tok1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, func(ctx context.Context, refreshToken string) (Token, error) {
		refreshed = true
		return Token{}, nil
	}, 0)

	header, err := s.AuthHeader(context.Background())
	if err != nil {
		t.Fatalf("AuthHeader: %v", err)
	}
	if header != "Bearer tok1" {
		t.Errorf("header = %q", header)
	}
	if refreshed {
		t.Error("refresh ran on a fresh token")
	}
}

func TestAuthHeaderRefreshesWithinBuffer(t *testing.T) {
	s := New(Token{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}, func(ctx context.Context, refreshToken string) (Token, error) {
		if refreshToken != "r1" {
			t.Errorf("refresh token = %q", refreshToken)
		}
		return Token{
			AccessToken: jwtWithAccount("acct-9"),
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	}, 5*time.Minute)

	header, err := s.AuthHeader(context.Background())
	if err != nil {
		t.Fatalf("AuthHeader: %v", err)
	}
	if header == "Bearer stale" {
		t.Error("stale token returned instead of refreshed one")
	}
	if got := s.AccountID(); got != "acct-9" {
		t.Errorf("AccountID = %q, want acct-9", got)
	}
}

func TestAuthHeaderFailedRefreshBlocksRequest(t *testing.T) {
	s := New(Token{
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}, func(ctx context.Context, refreshToken string) (Token, error) {
		return Token{}, errors.New("endpoint down")
	}, 0)

	if _, err := s.AuthHeader(context.Background()); err == nil {
		t.Fatal("expected refresh failure to surface")
	}
}

func TestDecodeAccountIDMalformedToken(t *testing.T) {
	if got := decodeAccountID("not-a-jwt"); got != "" {
		t.Errorf("decodeAccountID = %q, want empty", got)
	}
}
