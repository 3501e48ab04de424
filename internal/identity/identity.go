// Package identity wraps the Keycloak-compatible identity provider:
// an admin REST surface (users, group/role membership) and an OIDC
// token surface (introspection, impersonated password grant).
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// tempUserPlaceholderPassword is the fixed password assigned to every
// temporary user. It is never treated as secret: the temporary-user
// protocol relies on the user being deleted, not on this value being
// hidden.
const tempUserPlaceholderPassword = "secd-temp-7f3a9c21"

// ErrNotFound is returned when the admin API responds 404 for a user,
// group, or role lookup.
var ErrNotFound = errors.New("identity: not found")

// Config locates and authenticates secd's admin client against a realm.
type Config struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string
}

// Client is the identity provider client. The embedded HTTP client
// carries an auto-refreshing client_credentials token for every admin
// call; introspection and password-grant calls authenticate with
// explicit form parameters instead and use a plain client.
type Client struct {
	cfg   Config
	admin *http.Client
	plain *http.Client
}

// New builds a Client. It does not perform any network call; the
// first token fetch happens lazily on the first admin request.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Realm == "" {
		return nil, fmt.Errorf("identity: base url and realm are required")
	}
	ccCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL(cfg),
	}
	return &Client{
		cfg:   cfg,
		admin: ccCfg.Client(ctx),
		plain: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func tokenURL(cfg Config) string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimRight(cfg.BaseURL, "/"), cfg.Realm)
}

func (c *Client) adminURL(path string) string {
	return fmt.Sprintf("%s/admin/realms/%s%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Realm, path)
}

// --- admin surface ---

// UserRepresentation is Keycloak's user shape, trimmed to the fields
// secd sets or reads.
type UserRepresentation struct {
	ID          string                     `json:"id,omitempty"`
	Username    string                     `json:"username"`
	Enabled     bool                       `json:"enabled"`
	Credentials []CredentialRepresentation `json:"credentials,omitempty"`
}

// CredentialRepresentation sets a user's password at creation time.
type CredentialRepresentation struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// GroupRepresentation is one entry of a user's group membership list.
type GroupRepresentation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoleRepresentation is one entry of a user's client role-mapping list.
type RoleRepresentation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateUser creates an enabled user with a permanent password and
// returns its Keycloak-assigned id.
func (c *Client) CreateUser(ctx context.Context, username, password string) (string, error) {
	rep := UserRepresentation{
		Username: username,
		Enabled:  true,
		Credentials: []CredentialRepresentation{
			{Type: "password", Value: password, Temporary: false},
		},
	}
	body, err := json.Marshal(rep)
	if err != nil {
		return "", fmt.Errorf("identity: encoding user %s: %w", username, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.adminURL("/users"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("identity: building create-user request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.admin.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: creating user %s: %w", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("identity: creating user %s: status %d: %s", username, resp.StatusCode, string(b))
	}
	loc := resp.Header.Get("Location")
	id := loc[strings.LastIndex(loc, "/")+1:]
	if id == "" {
		return "", fmt.Errorf("identity: creating user %s: no id in Location header", username)
	}
	return id, nil
}

// DeleteUser removes a user by id. A missing user is not an error.
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.adminURL("/users/"+userID), nil)
	if err != nil {
		return fmt.Errorf("identity: building delete-user request: %w", err)
	}
	resp, err := c.admin.Do(req)
	if err != nil {
		return fmt.Errorf("identity: deleting user %s: %w", userID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("identity: deleting user %s: status %d: %s", userID, resp.StatusCode, string(b))
	}
	return nil
}

// ListGroups returns the groups a user belongs to.
func (c *Client) ListGroups(ctx context.Context, userID string) ([]GroupRepresentation, error) {
	var groups []GroupRepresentation
	if err := c.doJSON(ctx, http.MethodGet, c.adminURL("/users/"+userID+"/groups"), nil, &groups); err != nil {
		return nil, fmt.Errorf("identity: listing groups for user %s: %w", userID, err)
	}
	return groups, nil
}

// ListRoles returns the roles a user has been granted on the named
// client (e.g. "database-service").
func (c *Client) ListRoles(ctx context.Context, userID, clientID string) ([]RoleRepresentation, error) {
	uuid, err := c.clientUUID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	var roles []RoleRepresentation
	u := c.adminURL(fmt.Sprintf("/users/%s/role-mappings/clients/%s", userID, uuid))
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &roles); err != nil {
		return nil, fmt.Errorf("identity: listing roles for user %s on client %s: %w", userID, clientID, err)
	}
	return roles, nil
}

func (c *Client) clientUUID(ctx context.Context, clientID string) (string, error) {
	var clients []struct {
		ID       string `json:"id"`
		ClientID string `json:"clientId"`
	}
	u := c.adminURL("/clients") + "?clientId=" + url.QueryEscape(clientID)
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &clients); err != nil {
		return "", fmt.Errorf("identity: looking up client %s: %w", clientID, err)
	}
	if len(clients) == 0 {
		return "", fmt.Errorf("identity: client %s: %w", clientID, ErrNotFound)
	}
	return clients[0].ID, nil
}

// InGroup reports whether groups contains one named groupName. It is a
// pure function over an already-fetched group list, per the
// group-membership test contract.
func InGroup(groups []GroupRepresentation, groupName string) bool {
	for _, g := range groups {
		if g.Name == groupName {
			return true
		}
	}
	return false
}

// HasRole reports whether roles contains one named roleName. It is a
// pure function over an already-fetched role list.
func HasRole(roles []RoleRepresentation, roleName string) bool {
	for _, r := range roles {
		if r.Name == roleName {
			return true
		}
	}
	return false
}

// CreateTemporaryUser creates a user named temp_<externalUserID> with
// the fixed placeholder password. Callers must pair this with a
// deferred DeleteTemporaryUser; the placeholder is never secret.
func (c *Client) CreateTemporaryUser(ctx context.Context, externalUserID string) (string, error) {
	return c.CreateUser(ctx, "temp_"+externalUserID, tempUserPlaceholderPassword)
}

// DeleteTemporaryUser removes a temporary user unconditionally.
func (c *Client) DeleteTemporaryUser(ctx context.Context, userID string) error {
	return c.DeleteUser(ctx, userID)
}

// --- token surface ---

// IntrospectionResponse is RFC 7662's token introspection response,
// trimmed to the fields secd reads.
type IntrospectionResponse struct {
	Active   bool   `json:"active"`
	Username string `json:"username,omitempty"`
	Sub      string `json:"sub,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
}

// IntrospectToken calls the realm's RFC 7662 introspection endpoint.
func (c *Client) IntrospectToken(ctx context.Context, token string) (*IntrospectionResponse, error) {
	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	u := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token/introspect", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Realm)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("identity: building introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.plain.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: introspecting token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("identity: introspecting token: status %d: %s", resp.StatusCode, string(b))
	}
	var out IntrospectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("identity: decoding introspection response: %w", err)
	}
	return &out, nil
}

// IsActive reports whether an introspection response marks its token
// active. Token validation is a pure function of this flag.
func IsActive(resp *IntrospectionResponse) bool {
	return resp != nil && resp.Active
}

// RequestTokenForUser performs an OIDC password grant on behalf of
// clientID, impersonating username/password. The orchestrator uses
// this against a temporary user to mint a short-lived token for the
// database-service client without ever handling the user's own
// credentials.
func (c *Client) RequestTokenForUser(ctx context.Context, clientID, username, password string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", clientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("username", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL(c.cfg), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("identity: building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.plain.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: requesting token for %s: %w", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("identity: requesting token for %s: status %d: %s", username, resp.StatusCode, string(b))
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("identity: decoding token response for %s: %w", username, err)
	}
	return out.AccessToken, nil
}

func (c *Client) doJSON(ctx context.Context, method, u string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.admin.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", u, err)
	}
	return nil
}
