package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const TokenLifetime = 30 * time.Second

// ErrInvalidCredentials is the single rejection reason for any handshake
// failure: bad signature, wrong audience, stale or replayed nonce.
var ErrInvalidCredentials = errors.New("invalid credentials")

type Claims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// IssueToken signs the answer to an agent challenge. audience is the host
// the client believes it is talking to.
func IssueToken(secret []byte, clientID, audience, nonce string, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("empty signing secret")
	}

	claims := &Claims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks handshake tokens on the agent side.
type Verifier struct {
	secret    []byte
	audiences []string
	nonces    *NonceStore
	now       func() time.Time
}

// NewVerifier accepts tokens addressed to any of audiences (compared
// case-insensitively). An empty audience list accepts any audience.
func NewVerifier(secret []byte, audiences []string, nonces *NonceStore) *Verifier {
	normalized := make([]string, 0, len(audiences))
	for _, a := range audiences {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			normalized = append(normalized, a)
		}
	}
	return &Verifier{
		secret:    secret,
		audiences: normalized,
		nonces:    nonces,
		now:       time.Now,
	}
}

// Verify validates tokenString against the nonce issued on this connection
// and redeems it. Every failure is ErrInvalidCredentials.
func (v *Verifier) Verify(tokenString, nonce string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	if claims.Nonce == "" || claims.Nonce != nonce {
		return nil, ErrInvalidCredentials
	}
	if !v.audienceAllowed(claims.Audience) {
		return nil, ErrInvalidCredentials
	}
	if v.nonces != nil {
		if err := v.nonces.Redeem(nonce); err != nil {
			return nil, ErrInvalidCredentials
		}
	}

	return claims, nil
}

func (v *Verifier) audienceAllowed(aud jwt.ClaimStrings) bool {
	if len(aud) == 0 {
		return false
	}
	if len(v.audiences) == 0 {
		return true
	}
	for _, a := range aud {
		if slices.Contains(v.audiences, strings.ToLower(a)) {
			return true
		}
	}
	return false
}
