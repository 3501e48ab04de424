// Package secretsbroker reconciles the dynamic-credentials objects a
// relational-DB run needs against a Vault-style secrets broker: a named
// connection, a role, a policy, and a cluster auth role binding a
// service account to that policy. Every step treats "already exists" as
// success, the same way the cluster client treats idempotent creation.
package secretsbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"secd/internal/run"
)

const (
	defaultRoleTTL    = "1h"
	defaultRoleMaxTTL = "24h"
	authRoleTTL       = "1h"
)

// Client talks to the secrets broker's HTTP API over a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

// New constructs a Client against the broker at baseURL.
func New(baseURL, token string, log *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
		log:     log,
	}
}

// ConnectionConfig describes a database connection to register.
type ConnectionConfig struct {
	DatabaseName string
	URLTemplate  string // contains {{username}}/{{password}} placeholders
	AdminUser    string
	AdminPass    string
}

// ConfigureConnection registers a named database connection. Already
// existing connections with the same name are left untouched.
func (c *Client) ConfigureConnection(ctx context.Context, cfg ConnectionConfig) error {
	path := fmt.Sprintf("/v1/database/config/%s", cfg.DatabaseName)
	body := map[string]any{
		"plugin_name":    "mysql-database-plugin",
		"connection_url": cfg.URLTemplate,
		"username":       cfg.AdminUser,
		"password":       cfg.AdminPass,
	}
	return c.upsert(ctx, path, body, "connection", cfg.DatabaseName)
}

// CreateRole registers a role granting SELECT-only, per-request DB
// users with a 1h default TTL and 24h max TTL.
func (c *Client) CreateRole(ctx context.Context, databaseName string) error {
	name := run.VaultRoleName(databaseName)
	path := fmt.Sprintf("/v1/database/roles/%s", name)
	body := map[string]any{
		"db_name": databaseName,
		"creation_statements": []string{
			fmt.Sprintf("CREATE USER '{{name}}'@'%%' IDENTIFIED BY '{{password}}'; GRANT SELECT ON %s.* TO '{{name}}'@'%%';", databaseName),
		},
		"default_ttl": defaultRoleTTL,
		"max_ttl":     defaultRoleMaxTTL,
	}
	return c.upsert(ctx, path, body, "role", name)
}

// CreatePolicy registers a policy granting read on the role's
// credentials path.
func (c *Client) CreatePolicy(ctx context.Context, databaseName string) error {
	name := run.VaultPolicyName(databaseName)
	path := fmt.Sprintf("/v1/sys/policy/%s", name)
	rule := fmt.Sprintf("path \"database/creds/%s\" {\n  capabilities = [\"read\"]\n}", run.VaultRoleName(databaseName))
	body := map[string]any{"policy": rule}
	return c.upsert(ctx, path, body, "policy", name)
}

// CreateClusterAuthRole binds a cluster service account in namespace to
// the policy above, named uniquely per run.
func (c *Client) CreateClusterAuthRole(ctx context.Context, databaseName, namespace, serviceAccount string) error {
	name := run.VaultAuthRoleName(databaseName, namespace)
	path := fmt.Sprintf("/v1/auth/kubernetes/role/%s", name)
	body := map[string]any{
		"bound_service_account_names":      []string{serviceAccount},
		"bound_service_account_namespaces": []string{namespace},
		"policies":                         []string{run.VaultPolicyName(databaseName)},
		"ttl":                              authRoleTTL,
	}
	return c.upsert(ctx, path, body, "cluster auth role", name)
}

// ConfigureAll runs the full four-step reconciliation for a
// relational-DB run in order, stopping at the first failing step.
func (c *Client) ConfigureAll(ctx context.Context, cfg ConnectionConfig, namespace, serviceAccount string) error {
	if err := c.ConfigureConnection(ctx, cfg); err != nil {
		return err
	}
	if err := c.CreateRole(ctx, cfg.DatabaseName); err != nil {
		return err
	}
	if err := c.CreatePolicy(ctx, cfg.DatabaseName); err != nil {
		return err
	}
	if err := c.CreateClusterAuthRole(ctx, cfg.DatabaseName, namespace, serviceAccount); err != nil {
		return err
	}
	return nil
}

// Teardown best-effort deletes the objects configured for databaseName
// in namespace. Failures are logged, not returned: names are
// deterministic per-run so leftovers are tolerated.
func (c *Client) Teardown(ctx context.Context, databaseName, namespace string) {
	for _, path := range []string{
		fmt.Sprintf("/v1/auth/kubernetes/role/%s", run.VaultAuthRoleName(databaseName, namespace)),
		fmt.Sprintf("/v1/sys/policy/%s", run.VaultPolicyName(databaseName)),
		fmt.Sprintf("/v1/database/roles/%s", run.VaultRoleName(databaseName)),
		fmt.Sprintf("/v1/database/config/%s", databaseName),
	} {
		if err := c.delete(ctx, path); err != nil {
			c.log.Warn("secrets broker teardown step failed", "path", path, "error", err)
		}
	}
}

// upsert PUTs body to path and treats a 409 Conflict (already exists)
// as success, matching the broker's idempotent-configuration contract.
func (c *Client) upsert(ctx context.Context, path string, body map[string]any, kind, name string) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("secretsbroker: encoding %s %s: %w", kind, name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("secretsbroker: building request for %s %s: %w", kind, name, err)
	}
	req.Header.Set("X-Vault-Token", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("secretsbroker: configuring %s %s: %w", kind, name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusCreated, http.StatusConflict:
		c.log.Debug("secrets broker object configured", "kind", kind, "name", name, "status", resp.StatusCode)
		return nil
	default:
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("secretsbroker: configuring %s %s: unexpected status %d: %s", kind, name, resp.StatusCode, string(msg))
	}
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
