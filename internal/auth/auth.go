package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"fieldtask/internal/core"
)

var (
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrBadAuthorization     = errors.New("bad auth header")
)

// clockSkew is tolerated on exp/nbf/iat checks.
const clockSkew = time.Minute

// Authenticator turns bearer tokens into engine actors. It verifies either
// HS256 tokens against a shared secret or RS256 tokens against a JWKS.
type Authenticator struct {
	jwks     *keyfunc.JWKS
	secret   []byte
	audience string
	issuer   string
	parser   *jwt.Parser
	now      func() time.Time
}

// NewHMAC creates an authenticator for HS256 tokens signed with secret.
func NewHMAC(secret []byte, audience, issuer string) *Authenticator {
	return &Authenticator{
		secret:   secret,
		audience: audience,
		issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
		now:      time.Now,
	}
}

// NewJWKS creates an authenticator for RS256 tokens verified against jwks.
func NewJWKS(jwks *keyfunc.JWKS, audience, issuer string) *Authenticator {
	return &Authenticator{
		jwks:     jwks,
		audience: audience,
		issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		now:      time.Now,
	}
}

// FetchJWKS downloads the key set at url and refreshes it in the background.
func FetchJWKS(url string, refresh time.Duration, onError func(error)) (*keyfunc.JWKS, error) {
	jwks, err := keyfunc.Get(url, keyfunc.Options{
		RefreshInterval:     refresh,
		RefreshUnknownKID:   true,
		RefreshErrorHandler: onError,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	return jwks, nil
}

// ActorFromHeader authenticates an Authorization header value.
func (a *Authenticator) ActorFromHeader(header string) (core.Actor, error) {
	if header == "" {
		return core.Actor{}, ErrMissingAuthorization
	}
	token, err := BearerToken(header)
	if err != nil {
		return core.Actor{}, err
	}
	return a.ActorFromToken(token)
}

// ActorFromToken verifies a raw JWT and extracts the actor from its sub and
// role claims. A missing role means OPERATOR.
func (a *Authenticator) ActorFromToken(token string) (core.Actor, error) {
	parsed, err := a.parser.Parse(token, a.keyFor)
	if err != nil {
		return core.Actor{}, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return core.Actor{}, errors.New("invalid claims")
	}

	now := a.now().Add(clockSkew).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return core.Actor{}, errors.New("token expired")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return core.Actor{}, errors.New("token used before issued")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return core.Actor{}, errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return core.Actor{}, errors.New("invalid issuer")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return core.Actor{}, errors.New("missing sub")
	}
	roleClaim, _ := claims["role"].(string)
	role, err := ParseRole(roleClaim)
	if err != nil {
		return core.Actor{}, err
	}
	return core.Actor{ID: sub, Role: role}, nil
}

func (a *Authenticator) keyFor(t *jwt.Token) (any, error) {
	if a.jwks != nil {
		return a.jwks.Keyfunc(t)
	}
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("invalid signing method")
	}
	return a.secret, nil
}

// ParseRole maps a role name onto core.Role. Empty input is OPERATOR.
func ParseRole(value string) (core.Role, error) {
	switch r := core.Role(strings.ToUpper(strings.TrimSpace(value))); r {
	case "":
		return core.RoleOperator, nil
	case core.RoleOperator, core.RoleSupervisor, core.RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrBadAuthorization
	}
	token := strings.TrimSpace(header[len(prefix):])
	if strings.Count(token, ".") != 2 {
		return "", ErrBadAuthorization
	}
	return token, nil
}
