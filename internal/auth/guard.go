// Package auth validates bearer credentials presented at connection time and
// derives the caller's identity from them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

var (
	ErrMissingCredential      = errors.New("missing credential")
	ErrMalformedCredential    = errors.New("malformed credential")
	ErrExpiredCredential      = errors.New("expired credential")
	ErrUnverifiableCredential = errors.New("unverifiable credential")
)

// ContextKey is the gin context key holding the authenticated model.Identity.
const ContextKey = "identity"

// Claims are the token claims understood by the guard.
type Claims struct {
	ExternalID string `json:"ext,omitempty"`
	Name       string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Guard verifies HS256 bearer tokens.
type Guard struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewGuard creates a guard. issuer may be empty to accept any issuer.
func NewGuard(secret, issuer string) *Guard {
	return &Guard{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Authenticate extracts the bearer credential from the request and verifies it.
// The credential is read from the Authorization header, then from a
// "bearer.<token>" websocket subprotocol, then from the "token" query
// parameter for browser clients that cannot set headers.
func (g *Guard) Authenticate(r *http.Request) (model.Identity, error) {
	token := ExtractToken(r)
	if token == "" {
		return model.Identity{}, ErrMissingCredential
	}
	return g.Verify(token)
}

// Verify checks a raw token and returns the identity it carries.
func (g *Guard) Verify(raw string) (model.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	}, opts...)
	if err != nil {
		return model.Identity{}, classify(err)
	}

	if claims.Subject == "" {
		return model.Identity{}, fmt.Errorf("%w: token has no subject", ErrUnverifiableCredential)
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return model.Identity{
		ID:         claims.Subject,
		ExternalID: claims.ExternalID,
		Name:       name,
	}, nil
}

// Issue signs a token for the identity valid for ttl.
func (g *Guard) Issue(id model.Identity, ttl time.Duration) (string, error) {
	now := g.now()
	claims := Claims{
		ExternalID: id.ExternalID,
		Name:       id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    g.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Middleware rejects unauthenticated REST requests and stores the identity
// under ContextKey for the handlers.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := g.Authenticate(c.Request)
		if err != nil {
			WriteError(c.Writer, err)
			c.Abort()
			return
		}
		c.Set(ContextKey, id)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(c *gin.Context) (model.Identity, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return model.Identity{}, false
	}
	id, ok := v.(model.Identity)
	return id, ok
}

// WriteError writes the JSON 401 response used for every refused credential.
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, model.CodeAuthFailed, err.Error())
}

// SubprotocolPrefix marks a websocket subprotocol carrying a bearer token.
const SubprotocolPrefix = "bearer."

// ExtractToken returns the bearer token from the request, or "".
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	if p := TokenSubprotocol(r); p != "" {
		return strings.TrimPrefix(p, SubprotocolPrefix)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// TokenSubprotocol returns the requested subprotocol carrying the token, or "".
// The upgrader must echo it back for browsers to accept the handshake.
func TokenSubprotocol(r *http.Request) string {
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, SubprotocolPrefix) && len(p) > len(SubprotocolPrefix) {
				return p
			}
		}
	}
	return ""
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpiredCredential, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnverifiableCredential, err)
	}
}
