// Package identity derives channel identity and the client-side channel
// secret, and verifies join passwords without ever storing them in
// plaintext.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
)

const (
	pbkdf2Salt   = "messaging-platform"
	pbkdf2KeyLen = 32 // 256 bits
	secretPrefix = "channel_"
)

// DeriveChannelSecret derives the client-side channel secret from a
// password using PBKDF2-HMAC-SHA256. iterations is normally
// config.Broker.PBKDF2Iterations (100000).
func DeriveChannelSecret(password string, iterations int) string {
	key := pbkdf2.Key([]byte(password), []byte(pbkdf2Salt), iterations, pbkdf2KeyLen, sha256.New)
	return secretPrefix + base64.RawURLEncoding.EncodeToString(key)
}

// HashPassword computes the server-stored password hash: an HMAC-SHA256 over
// the password keyed by the derived channel secret. The server never learns
// the plaintext password from this value alone and never stores it.
func HashPassword(password string, iterations int) string {
	secret := DeriveChannelSecret(password, iterations)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(password))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyPassword reports whether password hashes to the stored hash, using a
// constant-time comparison so mismatches don't leak timing information.
func VerifyPassword(password string, iterations int, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	candidate := HashPassword(password, iterations)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(storedHash)) == 1
}

// ConstantTimeEqual compares two already-hashed password values (e.g. a
// client-supplied hash against ChannelState.HashedChannelPassword) without
// leaking timing information. Unlike VerifyPassword it never sees a
// plaintext password — join-by-channelId callers only ever hold the hash.
func ConstantTimeEqual(candidateHash, storedHash string) bool {
	if storedHash == "" || candidateHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidateHash), []byte(storedHash)) == 1
}

// DeriveChannelID computes the stable, URL-safe channelId for (devKeyId,
// scope, channelName, hashedPassword). Public scope ignores devKeyId so two
// developers sharing (name, password) see the same channel; private scope
// mixes devKeyId in so they never collide.
func DeriveChannelID(devKeyID string, scope broker.APIKeyScope, channelName, hashedPassword string) string {
	h := sha256.New()
	switch scope {
	case broker.ScopePrivate:
		fmt.Fprintf(h, "private|%s|%s|%s", devKeyID, channelName, hashedPassword)
	default:
		fmt.Fprintf(h, "public|%s|%s", channelName, hashedPassword)
	}
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum)
}
