package secretsbroker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"secd/internal/run"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, statusFor map[string]int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		status, ok := statusFor[r.URL.Path]
		if !ok {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	}))
}

func TestConfigureAllSucceeds(t *testing.T) {
	srv := newTestServer(t, nil)
	defer srv.Close()
	c := New(srv.URL, "tok", testLogger())

	cfg := ConnectionConfig{
		DatabaseName: "karolinska",
		URLTemplate:  "mysql://{{username}}:{{password}}@db:3306/karolinska",
		AdminUser:    "admin",
		AdminPass:    "s3cr3t",
	}
	if err := c.ConfigureAll(context.Background(), cfg, "secd-abc123", "sa-karolinska"); err != nil {
		t.Fatalf("ConfigureAll: %v", err)
	}
}

func TestConfigureAllTreatsConflictAsSuccess(t *testing.T) {
	srv := newTestServer(t, map[string]int{
		"/v1/database/config/karolinska": http.StatusConflict,
	})
	defer srv.Close()
	c := New(srv.URL, "tok", testLogger())

	cfg := ConnectionConfig{DatabaseName: "karolinska", URLTemplate: "mysql://{{username}}:{{password}}@db/k"}
	if err := c.ConfigureConnection(context.Background(), cfg); err != nil {
		t.Fatalf("ConfigureConnection with existing connection: %v", err)
	}
}

func TestConfigureConnectionPropagatesServerError(t *testing.T) {
	srv := newTestServer(t, map[string]int{
		"/v1/database/config/karolinska": http.StatusInternalServerError,
	})
	defer srv.Close()
	c := New(srv.URL, "tok", testLogger())

	cfg := ConnectionConfig{DatabaseName: "karolinska", URLTemplate: "mysql://{{username}}:{{password}}@db/k"}
	if err := c.ConfigureConnection(context.Background(), cfg); err == nil {
		t.Fatal("ConfigureConnection: want error, got nil")
	}
}

func TestConfigureAllUsesDeterministicNames(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	c := New(srv.URL, "tok", testLogger())

	cfg := ConnectionConfig{DatabaseName: "karolinska", URLTemplate: "mysql://{{username}}:{{password}}@db/k"}
	if err := c.ConfigureAll(context.Background(), cfg, "secd-abc123", "sa-karolinska"); err != nil {
		t.Fatalf("ConfigureAll: %v", err)
	}

	want := []string{
		"/v1/database/config/karolinska",
		"/v1/database/roles/" + run.VaultRoleName("karolinska"),
		"/v1/sys/policy/" + run.VaultPolicyName("karolinska"),
		"/v1/auth/kubernetes/role/" + run.VaultAuthRoleName("karolinska", "secd-abc123"),
	}
	if len(gotPaths) != len(want) {
		t.Fatalf("request paths = %v, want %v", gotPaths, want)
	}
	for i, p := range want {
		if gotPaths[i] != p {
			t.Errorf("request %d path = %s, want %s", i, gotPaths[i], p)
		}
	}
}

func TestTeardownToleratesFailures(t *testing.T) {
	srv := newTestServer(t, map[string]int{
		"/v1/database/config/karolinska": http.StatusInternalServerError,
	})
	defer srv.Close()
	c := New(srv.URL, "tok", testLogger())

	// Teardown logs failures but never returns one; this call must not panic.
	c.Teardown(context.Background(), "karolinska", "secd-abc123")
}
