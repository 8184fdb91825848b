package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"messaging-service/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the authenticated party inside a session token. Sessions
// are issued by the authentication service; this package only verifies them.
type Claims struct {
	PartyType string `json:"party_type"`
	jwt.RegisteredClaims
}

// Verifier validates session tokens and extracts the acting party.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a Verifier over the shared HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning the party it asserts.
func (v *Verifier) Verify(token string) (models.Party, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return models.Party{}, ErrInvalidToken
	}

	party := models.Party{Type: models.PartyType(claims.PartyType), ID: claims.Subject}
	if !party.Type.Valid() || party.ID == "" {
		return models.Party{}, ErrInvalidToken
	}
	return party, nil
}

// IssueToken signs a session token for a party. Used by tests and local
// tooling; production tokens come from the authentication service.
func IssueToken(secret string, party models.Party, ttl time.Duration) (string, error) {
	claims := Claims{
		PartyType: string(party.Type),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   party.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
