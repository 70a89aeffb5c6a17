package auth

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GuestCookie names the cookie that carries an anonymous caller's session.
const GuestCookie = "guest_session"

const guestCookieMaxAge = 30 * 24 * time.Hour

// Mode controls how requests without a valid token are treated.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeOptional Mode = "optional"
	ModeRequired Mode = "required"
)

// ErrAuthRequired is returned by Resolve when ModeRequired sees no token.
var ErrAuthRequired = errors.New("authentication required")

// Resolver turns an incoming request into an Identity.
type Resolver struct {
	Mode   Mode
	Secret string
}

// Resolve authenticates r. When the caller is a guest without a session, a
// fresh session is minted and the cookie to set is returned alongside.
func (res Resolver) Resolve(r *http.Request) (Identity, *http.Cookie, error) {
	if res.Mode != ModeDisabled {
		if token := ExtractBearer(r); token != "" {
			if res.Secret == "" {
				return Identity{}, nil, ErrInvalidToken
			}
			claims, err := ValidateToken(res.Secret, token)
			if err != nil {
				return Identity{}, nil, err
			}
			return IdentityFromClaims(claims), nil, nil
		}
		if res.Mode == ModeRequired {
			return Identity{}, nil, ErrAuthRequired
		}
	}

	if session := guestSessionFromRequest(r); session != "" {
		return Guest(session), nil, nil
	}
	session := uuid.NewString()
	cookie := &http.Cookie{
		Name:     GuestCookie,
		Value:    session,
		Path:     "/",
		MaxAge:   int(guestCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return Guest(session), cookie, nil
}

// ExtractBearer returns the token from the Authorization header, falling back
// to the token query parameter that browsers must use for WebSocket upgrades.
func ExtractBearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return r.URL.Query().Get("token")
}

func guestSessionFromRequest(r *http.Request) string {
	if c, err := r.Cookie(GuestCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}
	if q := r.URL.Query().Get("guest"); q != "" {
		if _, err := uuid.Parse(q); err == nil {
			return q
		}
	}
	return ""
}

// ClientIP returns the caller address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(ip)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
