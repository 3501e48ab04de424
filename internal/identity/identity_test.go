package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newTestServer builds a fake Keycloak realm serving just enough of
// the token, admin, and introspection endpoints for these tests.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/realms/secd/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing token form: %v", err)
		}
		if r.Form.Get("grant_type") == "password" {
			if r.Form.Get("username") != "temp_42" {
				http.Error(w, "bad username", http.StatusUnauthorized)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-abc",
			"token_type":   "Bearer",
			"expires_in":   300,
		})
	})

	mux.HandleFunc("/realms/secd/protocol/openid-connect/token/introspect", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing introspect form: %v", err)
		}
		active := r.Form.Get("token") == "valid-token"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(IntrospectionResponse{Active: active, Sub: "user-1"})
	})

	mux.HandleFunc("/admin/realms/secd/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method %s on /users", r.Method)
		}
		var rep UserRepresentation
		if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
			t.Fatalf("decoding create-user body: %v", err)
		}
		w.Header().Set("Location", "https://idp.example/admin/realms/secd/users/new-user-id")
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/admin/realms/secd/users/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/admin/realms/secd/users/new-user-id":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete && r.URL.Path == "/admin/realms/secd/users/missing-id":
			w.WriteHeader(http.StatusNotFound)
		case strings.HasSuffix(r.URL.Path, "/groups"):
			json.NewEncoder(w).Encode([]GroupRepresentation{{ID: "g1", Name: "secd"}})
		case strings.Contains(r.URL.Path, "/role-mappings/clients/"):
			json.NewEncoder(w).Encode([]RoleRepresentation{{ID: "r1", Name: "mysql-1"}})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	mux.HandleFunc("/admin/realms/secd/clients", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("clientId") != "database-service" {
			json.NewEncoder(w).Encode([]any{})
			return
		}
		json.NewEncoder(w).Encode([]map[string]string{{"id": "client-uuid-1", "clientId": "database-service"}})
	})

	return httptest.NewServer(mux)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		BaseURL:      srv.URL,
		Realm:        "secd",
		ClientID:     "secd-admin",
		ClientSecret: "s3cr3t",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCreateAndDeleteUser(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	id, err := c.CreateUser(ctx, "temp_42", tempUserPlaceholderPassword)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id != "new-user-id" {
		t.Errorf("CreateUser id = %s, want new-user-id", id)
	}

	if err := c.DeleteUser(ctx, id); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := c.DeleteUser(ctx, "missing-id"); err != nil {
		t.Errorf("DeleteUser on missing id should not error, got %v", err)
	}
}

func TestCreateTemporaryUserRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	id, err := c.CreateTemporaryUser(ctx, "42")
	if err != nil {
		t.Fatalf("CreateTemporaryUser: %v", err)
	}
	defer c.DeleteTemporaryUser(ctx, id)

	tok, err := c.RequestTokenForUser(ctx, "database-service", "temp_42", tempUserPlaceholderPassword)
	if err != nil {
		t.Fatalf("RequestTokenForUser: %v", err)
	}
	if tok != "tok-abc" {
		t.Errorf("access token = %s, want tok-abc", tok)
	}
}

func TestListGroupsAndInGroup(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	c := newTestClient(t, srv)

	groups, err := c.ListGroups(context.Background(), "new-user-id")
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if !InGroup(groups, "secd") {
		t.Error("InGroup(groups, secd) = false, want true")
	}
	if InGroup(groups, "other") {
		t.Error("InGroup(groups, other) = true, want false")
	}
}

func TestListRolesAndHasRole(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	c := newTestClient(t, srv)

	roles, err := c.ListRoles(context.Background(), "new-user-id", "database-service")
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if !HasRole(roles, "mysql-1") {
		t.Error("HasRole(roles, mysql-1) = false, want true")
	}
	if HasRole(roles, "mysql-2") {
		t.Error("HasRole(roles, mysql-2) = true, want false")
	}
}

func TestListRolesUnknownClient(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	c := newTestClient(t, srv)

	if _, err := c.ListRoles(context.Background(), "new-user-id", "no-such-client"); err == nil {
		t.Fatal("ListRoles with unknown client: want error, got nil")
	}
}

func TestIntrospectTokenAndIsActive(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	active, err := c.IntrospectToken(ctx, "valid-token")
	if err != nil {
		t.Fatalf("IntrospectToken: %v", err)
	}
	if !IsActive(active) {
		t.Error("IsActive(active) = false, want true")
	}

	inactive, err := c.IntrospectToken(ctx, "garbage")
	if err != nil {
		t.Fatalf("IntrospectToken: %v", err)
	}
	if IsActive(inactive) {
		t.Error("IsActive(inactive) = true, want false")
	}
	if IsActive(nil) {
		t.Error("IsActive(nil) = true, want false")
	}
}
