// Package auth verifies portal bearer tokens and exposes the resulting
// principal. Tokens are HS256-signed with {sub, role} claims; issuance
// happens outside this service.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Portal roles carried in the token role claim.
const (
	RoleRegulator = "regulator"
	RoleInvestor  = "investor"
	RolePublic    = "public"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Principal is the verified identity attached to a request.
type Principal struct {
	Sub  string
	Role string
}

type Verifier struct {
	key []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{key: []byte(secret)}
}

// VerifyToken validates the compact token string and extracts the
// principal. Expiry is enforced whenever the token carries an exp claim.
func (v *Verifier) VerifyToken(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return v.key, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || role == "" {
		return Principal{}, fmt.Errorf("%w: missing sub or role claim", ErrInvalidToken)
	}
	return Principal{Sub: sub, Role: role}, nil
}
