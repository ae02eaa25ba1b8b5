package authmw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Nerzal/gocloak/v13"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountExists      = errors.New("account already exists")
)

type Service struct {
	Client       *gocloak.GoCloak
	Realm        string
	clientID     string
	clientSecret string

	KCAuth *KeycloakAuth
	dir    Directory
}

// Identity is the result of a successful login.
type Identity struct {
	UserID       int64         `json:"userId"`
	Role         workflow.Role `json:"role"`
	Name         string        `json:"name"`
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken,omitempty"`
	ExpiresIn    int           `json:"expiresIn"`
}

// NewAccount is a user provisioned by an admin. Role is granted through the
// realm group of the same name.
type NewAccount struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      workflow.Role
}

func NewService(baseURL, realm, clientID, issuer, aud, clientSecret string, dir Directory) (*Service, error) {
	client := gocloak.NewClient("http://" + baseURL)

	// the middleware authenticator
	kcAuth, err := NewKeycloakAuth(
		fmt.Sprintf(
			"http://%s/realms/%s/protocol/openid-connect/certs",
			baseURL,
			realm,
		),
		issuer,
		aud,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate the kc authenticator middleware: %w", err)
	}

	s := &Service{
		Client:       client,
		Realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		KCAuth:       kcAuth,
		dir:          dir,
	}

	if err := s.selfTest(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) selfTest() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jwt, err := s.LoginAdmin(ctx)
	if err != nil {
		return fmt.Errorf("keycloak auth failed: %w", err)
	}

	// Minimal permission check (safe & cheap)
	_, err = s.Client.GetRealm(ctx, jwt.AccessToken, s.Realm)
	if err != nil {
		return fmt.Errorf("keycloak permission check failed: %w", err)
	}

	return nil
}

// Require is RequireRoles over the service directory.
func (s *Service) Require(anyOf ...workflow.Role) gin.HandlerFunc {
	return s.KCAuth.RequireRoles(s.dir, anyOf...)
}

func (s *Service) LoginAdmin(ctx context.Context) (*gocloak.JWT, error) {
	return s.Client.LoginClient(
		ctx,
		s.clientID,
		s.clientSecret,
		s.Realm,
	)
}

func (s *Service) LoginUser(
	ctx context.Context,
	username, password string,
) (*gocloak.JWT, error) {

	return s.Client.Login(
		ctx,
		s.clientID,
		s.clientSecret,
		s.Realm,
		username,
		password,
	)
}

// VerifyCredentials logs the user in and resolves the local portal user.
func (s *Service) VerifyCredentials(ctx context.Context, username, password string) (*Identity, error) {
	tok, err := s.LoginUser(ctx, username, password)
	if err != nil {
		logrus.WithError(err).WithField("username", username).Info("login rejected")
		return nil, ErrInvalidCredentials
	}

	claims, err := s.KCAuth.Verify(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("issued token did not verify: %w", err)
	}
	user, err := s.KCAuth.Identify(claims)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	local, err := s.dir.UpsertUser(ctx, user)
	if err != nil {
		return nil, err
	}

	return &Identity{
		UserID:       local.ID,
		Role:         local.Role,
		Name:         local.Name,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}, nil
}

// Provision creates the account in the realm, grants its role and mirrors it
// locally. A half-created realm user is removed again.
func (s *Service) Provision(ctx context.Context, acc NewAccount) (*workflow.User, error) {
	token, err := s.LoginAdmin(ctx)
	if err != nil {
		return nil, fmt.Errorf("keycloak admin login: %w", err)
	}

	userID, err := s.CreateUser(ctx, token.AccessToken, acc.Username, acc.Email, acc.Password, acc.FirstName, acc.LastName)
	if err != nil {
		var apiErr *gocloak.APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s", ErrAccountExists, acc.Username)
		}
		return nil, fmt.Errorf("create keycloak user: %w", err)
	}

	if err := s.AddUserToGroup(ctx, token.AccessToken, userID, string(acc.Role)); err != nil {
		if delErr := s.DeleteUser(ctx, token.AccessToken, userID); delErr != nil {
			logrus.WithError(delErr).WithField("kc_user", userID).Error("failed to remove half-provisioned user")
		}
		return nil, err
	}

	name := acc.FirstName
	if acc.LastName != "" {
		name += " " + acc.LastName
	}
	return s.dir.UpsertUser(ctx, workflow.User{
		Subject:  userID,
		Username: acc.Username,
		Name:     name,
		Email:    acc.Email,
		Role:     acc.Role,
	})
}

func (s *Service) DeleteUser(
	ctx context.Context,
	token, userID string,
) error {

	return s.Client.DeleteUser(ctx, token, s.Realm, userID)
}

func (s *Service) CreateUser(
	ctx context.Context,
	token string,
	username, email, password, firstname, lastname string,
) (string, error) {

	user := gocloak.User{
		Username:  gocloak.StringP(username),
		Email:     gocloak.StringP(email),
		Enabled:   gocloak.BoolP(true),
		FirstName: gocloak.StringP(firstname),
		LastName:  gocloak.StringP(lastname),
		Credentials: &[]gocloak.CredentialRepresentation{
			{
				Type:      gocloak.StringP("password"),
				Value:     gocloak.StringP(password),
				Temporary: gocloak.BoolP(false),
			},
		},
	}

	return s.Client.CreateUser(ctx, token, s.Realm, user)
}

func (s *Service) AddUserToGroup(
	ctx context.Context,
	token, userID, groupName string,
) error {

	groups, err := s.Client.GetGroups(ctx, token, s.Realm, gocloak.GetGroupsParams{
		Search: gocloak.StringP(groupName),
	})
	if err != nil {
		return err
	}

	var groupID string
	for _, g := range groups {
		if g.Name != nil && *g.Name == groupName {
			groupID = *g.ID
			break
		}
	}

	if groupID == "" {
		return fmt.Errorf("group not found: %s", groupName)
	}

	return s.Client.AddUserToGroup(ctx, token, s.Realm, userID, groupID)
}
