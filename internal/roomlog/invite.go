package roomlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/ministudio/internal/keys"
)

const (
	inviteIssuer   = "ministudio"
	inviteAudience = "room"
	invitePurpose  = "invite"
)

// IssueInvite produces a signed invite naming roomKey.
func IssueInvite(roomKey []byte, now time.Time) (string, error) {
	if len(roomKey) != keys.Size {
		return "", keys.ErrInvalidKey
	}
	registered := jwt.RegisteredClaims{
		Subject:  keys.Encode(roomKey),
		Issuer:   inviteIssuer,
		Audience: []string{inviteAudience},
		IssuedAt: jwt.NewNumericDate(now.UTC()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	return token.SignedString(keys.Derive(roomKey, invitePurpose))
}

// ParseInvite verifies an invite and returns the room key it names.
func ParseInvite(invite string) ([]byte, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(invite),
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			roomKey, err := keys.Decode(claims.Subject)
			if err != nil {
				return nil, err
			}
			return keys.Derive(roomKey, invitePurpose), nil
		},
		jwt.WithAudience(inviteAudience),
		jwt.WithIssuer(inviteIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	return keys.Decode(claims.Subject)
}
