package api

import (
	"testing"
	"time"
)

func TestClientKeyRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	key, err := MintClientKey(secret, "chan-1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, err := ValidateClientKey(key, secret)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.ChannelID != "chan-1" || claims.AgentName != "alice" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestClientKeyRejectsWrongSecret(t *testing.T) {
	key, err := MintClientKey([]byte("secret-a"), "chan-1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ValidateClientKey(key, []byte("secret-b")); err != ErrInvalidClientKey {
		t.Fatalf("expected ErrInvalidClientKey, got %v", err)
	}
}

func TestClientKeyRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	key, err := MintClientKey(secret, "chan-1", "alice", -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ValidateClientKey(key, secret); err != ErrExpiredClientKey {
		t.Fatalf("expected ErrExpiredClientKey, got %v", err)
	}
}
