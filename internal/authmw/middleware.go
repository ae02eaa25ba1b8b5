package authmw

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"kyri56xcaesar/pms-portal/internal/utils"
	"kyri56xcaesar/pms-portal/internal/workflow"
)

const actorKey = "pms.actor"

type KeycloakAuth struct {
	Issuer   string // e.g. http://localhost:8080/realms/pms
	Audience string // usually the client id; empty skips the aud check
	ClientID string // for client roles under resource_access[ClientID].roles

	Keyfunc jwt.Keyfunc
	// optional clock skew
	Leeway time.Duration
}

// Build once at startup (don’t fetch JWKS on every request)
func NewKeycloakAuth(jwksURL, issuer, audience, clientID string) (*KeycloakAuth, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:  time.Hour,
		RefreshRateLimit: time.Minute * 5,
		RefreshTimeout:   time.Second * 10,
	})
	if err != nil {
		return nil, err
	}

	return &KeycloakAuth{
		Issuer:   issuer,
		Audience: audience,
		ClientID: clientID,
		Keyfunc:  jwks.Keyfunc,
		Leeway:   30 * time.Second,
	}, nil
}

type KCClaims struct {
	jwt.RegisteredClaims

	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	Firstname         string `json:"given_name"`
	Lastname          string `json:"family_name"`

	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`

	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`
}

// Directory mirrors verified identities into the local user table.
type Directory interface {
	UpsertUser(ctx context.Context, u workflow.User) (*workflow.User, error)
}

var errNoPortalRole = errors.New("no portal role")

// Verify parses and validates a bearer token.
func (a *KeycloakAuth) Verify(tokenStr string) (*KCClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(a.Issuer),
		jwt.WithLeeway(a.Leeway),
		jwt.WithValidMethods([]string{"RS256"}),
	}
	if a.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.Audience))
	}
	claims := &KCClaims{}
	if _, err := jwt.ParseWithClaims(tokenStr, claims, a.Keyfunc, opts...); err != nil {
		return nil, err
	}
	return claims, nil
}

// Identify maps token claims to a portal user. The highest-ranked portal
// role wins when the identity carries several.
func (a *KeycloakAuth) Identify(claims *KCClaims) (workflow.User, error) {
	role, ok := PrimaryRole(collectRoles(claims, a.ClientID))
	if !ok {
		return workflow.User{}, errNoPortalRole
	}
	name := claims.Name
	if name == "" {
		name = strings.TrimSpace(claims.Firstname + " " + claims.Lastname)
	}
	if name == "" {
		name = claims.PreferredUsername
	}
	return workflow.User{
		Subject:  claims.Subject,
		Username: claims.PreferredUsername,
		Name:     name,
		Email:    claims.Email,
		Role:     role,
	}, nil
}

// RequireRoles authenticates the bearer token, resolves the local user through
// dir and lets the request through when its role is one of anyOf. An empty
// anyOf admits every portal role.
func (a *KeycloakAuth) RequireRoles(dir Directory, anyOf ...workflow.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := extractAccessToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims, err := a.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		user, err := a.Identify(claims)
		if err != nil || (len(anyOf) > 0 && !hasAnyRole([]workflow.Role{user.Role}, anyOf...)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}

		local, err := dir.UpsertUser(c.Request.Context(), user)
		if err != nil {
			logrus.WithError(err).WithField("sub", claims.Subject).Error("failed to resolve user")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		// Put identity into context for handlers
		c.Set("kc.access_token", tokenStr)
		c.Set("kc.username", claims.PreferredUsername)
		c.Set("kc.email_verified", claims.EmailVerified)
		c.Set("kc.sub", claims.Subject)
		SetActor(c, workflow.Actor{ID: local.ID, Role: local.Role, Name: local.Name})

		c.Next()
	}
}

func RequireEmailVerified() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get("kc.email_verified")
		if !ok || v == false {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "email not verified",
			})
			return
		}
		c.Next()
	}
}

func SetActor(c *gin.Context, a workflow.Actor) {
	c.Set(actorKey, a)
}

// ActorFrom returns the actor resolved by RequireRoles.
func ActorFrom(c *gin.Context) (workflow.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return workflow.Actor{}, false
	}
	a, ok := v.(workflow.Actor)
	return a, ok
}

// PrimaryRole picks the highest-ranked portal role out of roles.
func PrimaryRole(roles []string) (workflow.Role, bool) {
	for _, r := range workflow.Roles {
		if utils.Contains(roles, string(r)) {
			return r, true
		}
	}
	return "", false
}

// --- helpers ---

func extractAccessToken(c *gin.Context) (string, error) {
	// 1) Authorization: Bearer <token>
	authz := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		if tok := strings.TrimSpace(authz[7:]); tok != "" {
			return tok, nil
		}
	}

	// 2) cookie fallback
	if cookie, err := c.Cookie("access_token"); err == nil && cookie != "" {
		return cookie, nil
	}

	return "", errors.New("missing access token")
}

func collectRoles(claims *KCClaims, clientID string) []string {
	out := make([]string, 0, 16)

	// realm roles
	out = append(out, claims.RealmAccess.Roles...)

	// client roles (resource_access)
	if clientID != "" && claims.ResourceAccess != nil {
		if ra, ok := claims.ResourceAccess[clientID]; ok {
			out = append(out, ra.Roles...)
		}
	}

	return utils.Uniq(out)
}

func hasAnyRole(userRoles []workflow.Role, anyOf ...workflow.Role) bool {
	for _, required := range anyOf {
		if utils.Contains(userRoles, required) {
			return true
		}
	}
	return false
}
