package authmw

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

const issuer = "http://kc.test/realms/pms"

type memDirectory struct {
	users map[string]workflow.User
	err   error
}

func (d *memDirectory) UpsertUser(_ context.Context, u workflow.User) (*workflow.User, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.users == nil {
		d.users = map[string]workflow.User{}
	}
	if prev, ok := d.users[u.Subject]; ok {
		u.ID = prev.ID
	} else {
		u.ID = int64(len(d.users) + 1)
	}
	d.users[u.Subject] = u
	return &u, nil
}

func newAuth(t *testing.T) (*KeycloakAuth, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &KeycloakAuth{
		Issuer:   issuer,
		Audience: "pms-portal",
		ClientID: "pms-portal",
		Keyfunc:  func(*jwt.Token) (any, error) { return &key.PublicKey, nil },
		Leeway:   time.Second,
	}, key
}

func sign(t *testing.T, key *rsa.PrivateKey, sub string, realmRoles []string, mutate func(*KCClaims)) string {
	t.Helper()
	claims := &KCClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"pms-portal"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		PreferredUsername: "dee",
		Firstname:         "Dee",
		Lastname:          "Veloper",
		EmailVerified:     true,
	}
	claims.RealmAccess.Roles = realmRoles
	if mutate != nil {
		mutate(claims)
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func serve(h gin.HandlerFunc, token string) (*httptest.ResponseRecorder, *workflow.Actor) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var seen *workflow.Actor
	r.GET("/x", h, func(c *gin.Context) {
		if a, ok := ActorFrom(c); ok {
			seen = &a
		}
		c.Status(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w, seen
}

func TestRequireRolesResolvesActor(t *testing.T) {
	auth, key := newAuth(t)
	dir := &memDirectory{}

	tok := sign(t, key, "sub-1", []string{"offline_access", "developer"}, nil)
	w, actor := serve(auth.RequireRoles(dir, workflow.RoleDeveloper, workflow.RolePM), tok)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, actor)
	assert.Equal(t, workflow.RoleDeveloper, actor.Role)
	assert.Equal(t, "Dee Veloper", actor.Name)
	assert.Equal(t, int64(1), actor.ID)

	// same subject maps to the same local user
	_, again := serve(auth.RequireRoles(dir), tok)
	require.NotNil(t, again)
	assert.Equal(t, actor.ID, again.ID)
}

func TestRequireRolesRejects(t *testing.T) {
	auth, key := newAuth(t)
	other, _ := rsa.GenerateKey(rand.Reader, 2048)

	tests := []struct {
		name  string
		token string
		dir   Directory
		code  int
	}{
		{"missing token", "", &memDirectory{}, http.StatusUnauthorized},
		{"wrong key", sign(t, other, "s", []string{"admin"}, nil), &memDirectory{}, http.StatusUnauthorized},
		{"expired", sign(t, key, "s", []string{"admin"}, func(c *KCClaims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		}), &memDirectory{}, http.StatusUnauthorized},
		{"wrong issuer", sign(t, key, "s", []string{"admin"}, func(c *KCClaims) { c.Issuer = "http://evil" }), &memDirectory{}, http.StatusUnauthorized},
		{"role not allowed", sign(t, key, "s", []string{"client"}, nil), &memDirectory{}, http.StatusForbidden},
		{"no portal role", sign(t, key, "s", []string{"offline_access"}, nil), &memDirectory{}, http.StatusForbidden},
		{"directory down", sign(t, key, "s", []string{"admin"}, nil), &memDirectory{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, actor := serve(auth.RequireRoles(tt.dir, workflow.RoleAdmin, workflow.RoleDeveloper), tt.token)
			assert.Equal(t, tt.code, w.Code)
			assert.Nil(t, actor)
		})
	}
}

func TestPrimaryRolePrecedence(t *testing.T) {
	role, ok := PrimaryRole([]string{"client", "developer", "pm"})
	require.True(t, ok)
	assert.Equal(t, workflow.RolePM, role)

	role, ok = PrimaryRole([]string{"sales", "admin"})
	require.True(t, ok)
	assert.Equal(t, workflow.RoleAdmin, role)

	_, ok = PrimaryRole([]string{"uma_authorization"})
	assert.False(t, ok)
}

func TestCollectRolesMergesClientRoles(t *testing.T) {
	claims := &KCClaims{}
	claims.RealmAccess.Roles = []string{"developer", "", "developer"}
	claims.ResourceAccess = map[string]struct {
		Roles []string `json:"roles"`
	}{
		"pms-portal": {Roles: []string{"pm", "developer"}},
		"other":      {Roles: []string{"admin"}},
	}
	assert.Equal(t, []string{"developer", "pm"}, collectRoles(claims, "pms-portal"))
	assert.Equal(t, []string{"developer"}, collectRoles(claims, ""))
}

func TestExtractAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("Authorization", "bearer abc.def")
	tok, err := extractAccessToken(c)
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.AddCookie(&http.Cookie{Name: "access_token", Value: "from-cookie"})
	tok, err = extractAccessToken(c)
	require.NoError(t, err)
	assert.Equal(t, "from-cookie", tok)

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	_, err = extractAccessToken(c)
	assert.Error(t, err)
}

func TestRequireEmailVerified(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", func(c *gin.Context) { c.Set("kc.email_verified", true) }, RequireEmailVerified(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/no", func(c *gin.Context) { c.Set("kc.email_verified", false) }, RequireEmailVerified(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for path, code := range map[string]int{"/ok": http.StatusNoContent, "/no": http.StatusForbidden} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, code, w.Code, path)
	}
}
