package config

import (
	"os"
	"testing"
	"time"
)

func clearSecdEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SECD_LISTEN_ADDR", "SECD_WEBHOOK_SECRET", "SECD_REPO_ROOT", "SECD_CACHE_ROOT",
		"SECD_PVC_ROOT", "KUBECONFIG", "SECD_STORAGE_NAMESPACE", "SECD_STORAGE_CLASS",
		"SECD_NFS_SERVER", "SECD_REGISTRY", "SECD_REGISTRY_USER", "SECD_REGISTRY_PASS",
		"SECD_REGISTRY_CA_CERT", "SECD_PROJECT", "SECD_GIT_PROVIDER_URL", "SECD_GIT_PROVIDER_TOKEN",
		"SECD_IDENTITY_BASE_URL", "SECD_IDENTITY_REALM", "SECD_IDENTITY_CLIENT_ID",
		"SECD_IDENTITY_CLIENT_SECRET", "SECD_GATE_GROUP", "SECD_DATABASE_SERVICE_CLIENT",
		"SECD_SECRETS_BROKER_URL", "SECD_SECRETS_BROKER_TOKEN", "SECD_REAPER_INTERVAL",
		"SECD_PVC_DELETE_TIMEOUT", "SECD_PVC_POLL_INTERVAL", "SECD_LOG_LEVEL",
	} {
		os.Unsetenv(key)
	}
}

func requiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SECD_WEBHOOK_SECRET", "s3cr3t")
	t.Setenv("SECD_REPO_ROOT", "/data/repos")
	t.Setenv("SECD_PVC_ROOT", "/exports/secd")
	t.Setenv("SECD_REGISTRY", "registry.internal")
	t.Setenv("SECD_PROJECT", "secd-runs")
	t.Setenv("SECD_GIT_PROVIDER_URL", "https://gitlab.internal")
	t.Setenv("SECD_IDENTITY_BASE_URL", "https://keycloak.internal")
	t.Setenv("SECD_SECRETS_BROKER_URL", "https://vault.internal")
}

func TestEnvOr(t *testing.T) {
	t.Setenv("TEST_ENV_OR", "custom")
	if got := envOr("TEST_ENV_OR", "default"); got != "custom" {
		t.Errorf("envOr = %s, want custom", got)
	}
	os.Unsetenv("TEST_ENV_OR_UNSET")
	if got := envOr("TEST_ENV_OR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("envOr unset = %s, want fallback", got)
	}
}

func TestEnvDurationOr(t *testing.T) {
	t.Setenv("TEST_DUR", "30s")
	if got := envDurationOr("TEST_DUR", time.Minute); got != 30*time.Second {
		t.Errorf("envDurationOr = %v, want 30s", got)
	}
	t.Setenv("TEST_DUR_BAD", "notaduration")
	if got := envDurationOr("TEST_DUR_BAD", 2*time.Minute); got != 2*time.Minute {
		t.Errorf("envDurationOr invalid = %v, want 2m", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearSecdEnv(t)
	requiredEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %s, want :8080", cfg.ListenAddr)
	}
	if cfg.StorageClass != "nfs" {
		t.Errorf("StorageClass = %s, want nfs", cfg.StorageClass)
	}
	if cfg.GateGroup != "secd" {
		t.Errorf("GateGroup = %s, want secd", cfg.GateGroup)
	}
	if cfg.ReaperInterval != 5*time.Second {
		t.Errorf("ReaperInterval = %v, want 5s", cfg.ReaperInterval)
	}
	if cfg.PVCDeleteTimeout != 60*time.Second {
		t.Errorf("PVCDeleteTimeout = %v, want 60s", cfg.PVCDeleteTimeout)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	clearSecdEnv(t)
	requiredEnv(t)
	t.Setenv("SECD_LISTEN_ADDR", ":9090")
	t.Setenv("SECD_STORAGE_CLASS", "rook-ceph")
	t.Setenv("SECD_REAPER_INTERVAL", "10s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %s, want :9090", cfg.ListenAddr)
	}
	if cfg.StorageClass != "rook-ceph" {
		t.Errorf("StorageClass = %s, want rook-ceph", cfg.StorageClass)
	}
	if cfg.ReaperInterval != 10*time.Second {
		t.Errorf("ReaperInterval = %v, want 10s", cfg.ReaperInterval)
	}
}

func TestLoadMissingRequiredField(t *testing.T) {
	clearSecdEnv(t)
	requiredEnv(t)
	os.Unsetenv("SECD_WEBHOOK_SECRET")

	if _, err := Load(""); err == nil {
		t.Fatal("Load with missing SECD_WEBHOOK_SECRET: want error, got nil")
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	clearSecdEnv(t)
	requiredEnv(t)
	os.Unsetenv("SECD_STORAGE_CLASS")

	dir := t.TempDir()
	path := dir + "/secd-config.yaml"
	contents := "storage_class: fast-ssd\nnfs_server: nfs-2.internal\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing test config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorageClass != "fast-ssd" {
		t.Errorf("StorageClass = %s, want fast-ssd", cfg.StorageClass)
	}
	if cfg.NFSServer != "nfs-2.internal" {
		t.Errorf("NFSServer = %s, want nfs-2.internal", cfg.NFSServer)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearSecdEnv(t)
	requiredEnv(t)

	if _, err := Load("/no/such/file.yaml"); err == nil {
		t.Fatal("Load with missing file: want error, got nil")
	}
}

func TestValidateRejectsNonPositiveReaperInterval(t *testing.T) {
	clearSecdEnv(t)
	requiredEnv(t)
	t.Setenv("SECD_REAPER_INTERVAL", "0s")

	if _, err := Load(""); err == nil {
		t.Fatal("Load with zero reaper interval: want error, got nil")
	}
}
