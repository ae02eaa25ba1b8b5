package authmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Nerzal/gocloak/v13"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

// fakeRealm answers the admin token request and rejects user creation with
// the given status.
func fakeRealm(t *testing.T, createStatus int) *Service {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/pms/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"admin-token","expires_in":60,"token_type":"Bearer"}`))
	})
	mux.HandleFunc("/admin/realms/pms/users", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(createStatus)
		_, _ = w.Write([]byte(`{"errorMessage":"User exists with same username"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &Service{
		Client:       gocloak.NewClient(srv.URL),
		Realm:        "pms",
		clientID:     "pms-portal",
		clientSecret: "secret",
		dir:          &memDirectory{},
	}
}

func TestProvisionReportsExistingAccount(t *testing.T) {
	s := fakeRealm(t, http.StatusConflict)
	acc := NewAccount{Username: "devon", Email: "devon@example.com", Password: "longenough", Role: workflow.RoleDeveloper}

	_, err := s.Provision(context.Background(), acc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccountExists)
	assert.Contains(t, err.Error(), "devon")
	assert.Empty(t, s.dir.(*memDirectory).users)
}

func TestProvisionKeepsOtherRealmErrors(t *testing.T) {
	s := fakeRealm(t, http.StatusInternalServerError)
	acc := NewAccount{Username: "devon", Email: "devon@example.com", Password: "longenough", Role: workflow.RoleDeveloper}

	_, err := s.Provision(context.Background(), acc)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAccountExists)

	var apiErr *gocloak.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Code)
}
