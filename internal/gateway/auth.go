package gateway

import (
	"crypto/subtle"
	"errors"

	"caseflow/internal/config"
)

var ErrUnauthorized = errors.New("invalid or missing token")

// Principal is the authenticated identity behind a connection.
type Principal struct {
	UserID string
	Role   string
	Name   string
}

// TokenValidator is the session-issuance boundary. The web tier issues
// tokens; the gateway only validates them.
type TokenValidator interface {
	Validate(token string) (*Principal, error)
}

// StaticTokenValidator validates against the configured token list.
type StaticTokenValidator struct {
	tokens []config.GatewayToken
}

func NewStaticTokenValidator(tokens []config.GatewayToken) *StaticTokenValidator {
	return &StaticTokenValidator{tokens: tokens}
}

func (v *StaticTokenValidator) Validate(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	for _, t := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			return &Principal{UserID: t.UserID, Role: t.Role, Name: t.Name}, nil
		}
	}
	return nil, ErrUnauthorized
}
