package auth

import (
	"testing"
	"time"
)

func TestGenerateAccessToken(t *testing.T) {
	tests := []struct {
		name    string
		userID  uint
		secret  string
		ttl     time.Duration
		wantErr bool
	}{
		{"valid token", 1, "test-secret", 15 * time.Minute, false},
		{"zero user id", 0, "test-secret", 15 * time.Minute, false},
		{"empty secret", 1, "", 15 * time.Minute, false},
		{"zero ttl", 1, "test-secret", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := GenerateAccessToken(tt.userID, tt.secret, tt.ttl)
			if (err != nil) != tt.wantErr {
				t.Errorf("GenerateAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && token == "" {
				t.Error("GenerateAccessToken() returned empty token")
			}
		})
	}
}

func TestParseAccessToken(t *testing.T) {
	secret := "test-secret-key"
	userID := uint(42)

	token, err := GenerateAccessToken(userID, secret, 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		secret  string
		wantUID uint
		wantErr bool
	}{
		{"valid token", token, secret, userID, false},
		{"wrong secret", token, "wrong-secret", 0, true},
		{"invalid token", "invalid.token.here", secret, 0, true},
		{"empty token", "", secret, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseAccessToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && claims.UserID != tt.wantUID {
				t.Errorf("ParseAccessToken() UserID = %v, want %v", claims.UserID, tt.wantUID)
			}
		})
	}
}

func TestParseAccessToken_Expired(t *testing.T) {
	secret := "test-secret"
	// Generate token that is already expired
	token, err := GenerateAccessToken(1, secret, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseAccessToken(token, secret)
	if err == nil {
		t.Error("ParseAccessToken() should return error for expired token")
	}
	if claims != nil {
		t.Error("ParseAccessToken() should return nil claims for expired token")
	}
}
