package auth

import "context"

// Identity is the caller behind a request or WebSocket connection. Exactly
// one of UserID and GuestSession identifies the owner of new conversations.
type Identity struct {
	UserID       string
	Username     string
	Role         string
	GuestSession string
}

// IdentityFromClaims builds the identity of an authenticated user.
func IdentityFromClaims(c *Claims) Identity {
	return Identity{UserID: c.UserID, Username: c.Username, Role: c.Role}
}

// Guest returns the identity of an anonymous caller.
func Guest(session string) Identity {
	return Identity{GuestSession: session}
}

func (i Identity) IsAuthenticated() bool { return i.UserID != "" }

func (i Identity) IsAdmin() bool { return i.UserID != "" && i.Role == RoleAdmin }

// Key groups the connections that belong to the same caller.
func (i Identity) Key() string {
	if i.UserID != "" {
		return "user:" + i.UserID
	}
	if i.GuestSession != "" {
		return "guest:" + i.GuestSession
	}
	return ""
}

// CanAccess reports whether the caller may read or write a conversation with
// the given owner and guest session. Ownerless conversations belong to the
// guest session that created them.
func (i Identity) CanAccess(ownerID, guestSession string) bool {
	if ownerID != "" {
		return i.UserID != "" && ownerID == i.UserID
	}
	return guestSession != "" && guestSession == i.GuestSession
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller identity, or the zero Identity.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}
