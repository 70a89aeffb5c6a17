package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-minimum-32-characters-long"

func TestIssueAndValidateToken(t *testing.T) {
	token, err := IssueAccessToken(testSecret, "user-123", "sara", RoleAdmin, 0)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID)
	assert.Equal(t, "sara", claims.Username)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "user-123", claims.Subject)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(AccessTokenExpiry), claims.ExpiresAt.Time, 5*time.Second)

	_, err = uuid.Parse(claims.ID)
	assert.NoError(t, err, "token id should be a uuid")
}

func TestIssueAccessTokenRequiresSecretAndUser(t *testing.T) {
	_, err := IssueAccessToken("", "u", "n", "", 0)
	assert.Error(t, err)
	_, err = IssueAccessToken(testSecret, "", "n", "", 0)
	assert.Error(t, err)
}

func TestValidateTokenFailures(t *testing.T) {
	good, err := IssueAccessToken(testSecret, "user-1", "a", "", time.Minute)
	require.NoError(t, err)

	_, err = ValidateToken("another-secret-key-minimum-32-characters", good)
	assert.ErrorIs(t, err, ErrInvalidToken)

	past := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
		UserID:           "user-1",
	})
	signed, err := past.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = ValidateToken(testSecret, signed)
	assert.ErrorIs(t, err, ErrExpiredToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ValidateToken(testSecret, unsigned)
	assert.Error(t, err)
}

func TestIdentityAccess(t *testing.T) {
	user := Identity{UserID: "u1"}
	guest := Guest("g1")

	tests := []struct {
		name         string
		caller       Identity
		owner, guest string
		want         bool
	}{
		{"owner matches", user, "u1", "", true},
		{"other owner", user, "u2", "", false},
		{"guest on owned conversation", guest, "u1", "g1", false},
		{"guest session matches", guest, "", "g1", true},
		{"guest session differs", guest, "", "g2", false},
		{"user on guest conversation", user, "", "g1", false},
		{"ownerless without session", Identity{}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caller.CanAccess(tt.owner, tt.guest))
		})
	}

	assert.Equal(t, "user:u1", user.Key())
	assert.Equal(t, "guest:g1", guest.Key())
	assert.False(t, user.IsAdmin())
	assert.True(t, Identity{UserID: "root", Role: RoleAdmin}.IsAdmin())
}

func TestResolver(t *testing.T) {
	token, err := IssueAccessToken(testSecret, "user-9", "nima", "", 0)
	require.NoError(t, err)

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		id, cookie, err := Resolver{Mode: ModeOptional, Secret: testSecret}.Resolve(r)
		require.NoError(t, err)
		assert.Nil(t, cookie)
		assert.Equal(t, "user-9", id.UserID)
	})

	t.Run("query token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat?token="+token, nil)
		id, _, err := Resolver{Mode: ModeRequired, Secret: testSecret}.Resolve(r)
		require.NoError(t, err)
		assert.True(t, id.IsAuthenticated())
	})

	t.Run("required without token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
		_, _, err := Resolver{Mode: ModeRequired, Secret: testSecret}.Resolve(r)
		assert.True(t, errors.Is(err, ErrAuthRequired))
	})

	t.Run("invalid token in optional mode", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat?token=garbage", nil)
		_, _, err := Resolver{Mode: ModeOptional, Secret: testSecret}.Resolve(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("disabled ignores token and mints guest", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat?token="+token, nil)
		id, cookie, err := Resolver{Mode: ModeDisabled}.Resolve(r)
		require.NoError(t, err)
		require.NotNil(t, cookie)
		assert.Equal(t, GuestCookie, cookie.Name)
		assert.Equal(t, cookie.Value, id.GuestSession)
		assert.False(t, id.IsAuthenticated())
	})

	t.Run("existing guest cookie", func(t *testing.T) {
		session := uuid.NewString()
		r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
		r.AddCookie(&http.Cookie{Name: GuestCookie, Value: session})
		id, cookie, err := Resolver{Mode: ModeOptional}.Resolve(r)
		require.NoError(t, err)
		assert.Nil(t, cookie)
		assert.Equal(t, session, id.GuestSession)
	})

	t.Run("malformed guest cookie replaced", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
		r.AddCookie(&http.Cookie{Name: GuestCookie, Value: "not-a-uuid"})
		id, cookie, err := Resolver{Mode: ModeOptional}.Resolve(r)
		require.NoError(t, err)
		require.NotNil(t, cookie)
		assert.NotEqual(t, "not-a-uuid", id.GuestSession)
	})
}
