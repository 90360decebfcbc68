package escalation

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

var ErrInvalidToken = errors.New("escalation: invalid action token")

const tokenIssuer = "autopilot/escalation"

// ActionClaims binds a token to one escalation and the actions it allows.
type ActionClaims struct {
	jwt.RegisteredClaims
	EscalationID string                       `json:"escalation_id"`
	Actions      []contracts.ResolutionAction `json:"actions"`
}

// Allows reports whether the token permits action.
func (c *ActionClaims) Allows(action contracts.ResolutionAction) bool {
	for _, a := range c.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// ActionTokens issues and verifies signed links that let a resolver act on a
// single escalation without other credentials.
type ActionTokens struct {
	key   []byte
	clock func() time.Time
}

// NewActionTokens derives the HS256 signing key from secret with HKDF-SHA256.
func NewActionTokens(secret []byte) (*ActionTokens, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: secret must be at least 16 bytes", ErrInvalidRequest)
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte("autopilot-escalation"), []byte("action-token-v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive token key: %w", err)
	}
	return &ActionTokens{key: key, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (t *ActionTokens) WithClock(clock func() time.Time) *ActionTokens {
	t.clock = clock
	return t
}

// Issue signs a token for the escalation valid for ttl.
func (t *ActionTokens) Issue(e *contracts.Escalation, subject string, ttl time.Duration, actions ...contracts.ResolutionAction) (string, error) {
	if len(actions) == 0 {
		return "", fmt.Errorf("%w: no actions", ErrInvalidRequest)
	}
	for _, a := range actions {
		if !ValidAction(a) {
			return "", fmt.Errorf("%w: %q", ErrInvalidAction, a)
		}
	}
	now := t.clock()
	claims := ActionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        e.ID,
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		EscalationID: e.ID,
		Actions:      actions,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Verify parses token and checks signature, issuer, and expiry.
func (t *ActionTokens) Verify(token string) (*ActionClaims, error) {
	claims := &ActionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.key, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.EscalationID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize verifies token and returns the Resolution it permits for action.
func (t *ActionTokens) Authorize(token string, action contracts.ResolutionAction, data map[string]any) (Resolution, error) {
	claims, err := t.Verify(token)
	if err != nil {
		return Resolution{}, err
	}
	if !claims.Allows(action) {
		return Resolution{}, fmt.Errorf("%w: action %s not permitted", ErrInvalidToken, action)
	}
	return Resolution{
		ID:       claims.EscalationID,
		Action:   action,
		Resolver: claims.Subject,
		Data:     data,
	}, nil
}
