package auth

import (
	"testing"
	"time"

	"webhookd/internal/platform/config"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService(config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Minute})

	token, err := svc.GenerateAccessToken("user1", "ops@example.com", "webhooks:write")
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != "user1" || claims.Email != "ops@example.com" {
		t.Errorf("Unexpected claims: %+v", claims)
	}
	if len(claims.Scopes) != 1 || claims.Scopes[0] != "webhooks:write" {
		t.Errorf("Unexpected scopes: %v", claims.Scopes)
	}
}

func TestTokenService_Rejects(t *testing.T) {
	svc := NewTokenService(config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Minute})
	other := NewTokenService(config.JWTConfig{Secret: "other-secret", AccessTokenTTL: time.Minute})
	expired := NewTokenService(config.JWTConfig{Secret: "test-secret", AccessTokenTTL: -time.Minute})

	wrongKey, _ := other.GenerateAccessToken("user1", "")
	stale, _ := expired.GenerateAccessToken("user1", "")
	anonymous, _ := svc.GenerateAccessToken("", "")

	tests := []struct {
		name  string
		token string
	}{
		{name: "Wrong Key", token: wrongKey},
		{name: "Expired", token: stale},
		{name: "No User", token: anonymous},
		{name: "Garbage", token: "not.a.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateToken(tt.token); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
