package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidClientKey = errors.New("invalid client key")
	ErrExpiredClientKey = errors.New("client key expired")
)

// ClientKeyClaims scopes a short-lived derived key to one (channel, agent)
// pair. Untrusted clients reconnect with this token instead of ever holding
// the developer's API key.
type ClientKeyClaims struct {
	ChannelID string `json:"channel_id"`
	AgentName string `json:"agent_name"`
	jwt.RegisteredClaims
}

// MintClientKey issues an HS256 token a client presents on reconnect.
func MintClientKey(secret []byte, channelID, agentName string, ttl time.Duration) (string, error) {
	claims := &ClientKeyClaims{
		ChannelID: channelID,
		AgentName: agentName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateClientKey checks a token's signature and expiry and returns its
// claims.
func ValidateClientKey(tokenString string, secret []byte) (*ClientKeyClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ClientKeyClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredClientKey
		}
		return nil, ErrInvalidClientKey
	}
	if claims, ok := token.Claims.(*ClientKeyClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidClientKey
}
