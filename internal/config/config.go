// Package config loads secd's typed settings tree: paths, endpoints,
// credentials, and the PVC root shared with the cluster's NFS server.
// Configuration is loaded once at startup; the returned *Config is
// read-only afterwards and passed explicitly to every collaborator.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting secd's collaborators need. Values come
// from an optional YAML settings file (env SECD_CONFIG_FILE) overlaid
// with environment variables.
type Config struct {
	// --- HTTP ingress ---

	// ListenAddr is the webhook server's bind address (env: SECD_LISTEN_ADDR).
	ListenAddr string `yaml:"listen_addr"`

	// WebhookSecret validates the X-Gitlab-Token header on inbound pushes
	// (env: SECD_WEBHOOK_SECRET).
	WebhookSecret string `yaml:"webhook_secret"`

	// --- Host paths ---

	// RepoRoot is the host directory under which each run's checkout
	// lives at RepoRoot/<run_id> (env: SECD_REPO_ROOT).
	RepoRoot string `yaml:"repo_root"`

	// CacheRoot is the host directory holding per-project build caches
	// named by secd.yml's cache_dir (env: SECD_CACHE_ROOT).
	CacheRoot string `yaml:"cache_root"`

	// PVCRoot is the NFS export root backing every PersistentVolume secd
	// creates; PV paths are PVCRoot-relative (env: SECD_PVC_ROOT).
	PVCRoot string `yaml:"pvc_root"`

	// --- Kubernetes ---

	// KubeConfig is the path to a kubeconfig file (env: KUBECONFIG).
	// Empty means use in-cluster config.
	KubeConfig string `yaml:"kubeconfig"`

	// StorageNamespace holds the dataset PVs/PVCs discovered for
	// file-type databases (env: SECD_STORAGE_NAMESPACE).
	StorageNamespace string `yaml:"storage_namespace"`

	// StorageClass is the StorageClass every secd-created PV/PVC pair
	// requests (env: SECD_STORAGE_CLASS).
	StorageClass string `yaml:"storage_class"`

	// NFSServer is the NFS server address backing every secd PV
	// (env: SECD_NFS_SERVER).
	NFSServer string `yaml:"nfs_server"`

	// --- Registry / image builder ---

	// Registry is the OCI registry host images are pushed to
	// (env: SECD_REGISTRY).
	Registry string `yaml:"registry"`

	// RegistryUser and RegistryPass authenticate pushes to Registry
	// (env: SECD_REGISTRY_USER, SECD_REGISTRY_PASS).
	RegistryUser string `yaml:"registry_user"`
	RegistryPass string `yaml:"registry_pass"`

	// RegistryCACert is an optional PEM file for a private registry's CA
	// (env: SECD_REGISTRY_CA_CERT).
	RegistryCACert string `yaml:"registry_ca_cert"`

	// Project namespaces every image tag: <registry>/<project>/<run_id>
	// (env: SECD_PROJECT).
	Project string `yaml:"project"`

	// --- Repo provider (GitLab-compatible) ---

	// GitProviderURL is the base URL of the GitLab-compatible instance
	// hosting pushed repos (env: SECD_GIT_PROVIDER_URL).
	GitProviderURL string `yaml:"git_provider_url"`

	// GitProviderToken authenticates clone, commit-signature, and branch
	// API calls (env: SECD_GIT_PROVIDER_TOKEN).
	GitProviderToken string `yaml:"git_provider_token"`

	// --- Identity provider (Keycloak-compatible) ---

	// IdentityBaseURL, IdentityRealm, IdentityClientID, and
	// IdentityClientSecret locate and authenticate secd's admin client
	// against the realm (env: SECD_IDENTITY_BASE_URL,
	// SECD_IDENTITY_REALM, SECD_IDENTITY_CLIENT_ID,
	// SECD_IDENTITY_CLIENT_SECRET).
	IdentityBaseURL      string `yaml:"identity_base_url"`
	IdentityRealm        string `yaml:"identity_realm"`
	IdentityClientID     string `yaml:"identity_client_id"`
	IdentityClientSecret string `yaml:"identity_client_secret"`

	// GateGroup is the realm group membership required to push
	// (env: SECD_GATE_GROUP).
	GateGroup string `yaml:"gate_group"`

	// DatabaseServiceClient is the client_credentials client id used to
	// mint the short-lived token handed to mysql-type run pods
	// (env: SECD_DATABASE_SERVICE_CLIENT).
	DatabaseServiceClient string `yaml:"database_service_client"`

	// --- Secrets broker (Vault-compatible) ---

	// SecretsBrokerURL and SecretsBrokerToken locate and authenticate
	// secd's calls to the dynamic-credentials broker
	// (env: SECD_SECRETS_BROKER_URL, SECD_SECRETS_BROKER_TOKEN).
	SecretsBrokerURL   string `yaml:"secrets_broker_url"`
	SecretsBrokerToken string `yaml:"secrets_broker_token"`

	// --- Reaper ---

	// ReaperInterval is the sweep period (env: SECD_REAPER_INTERVAL).
	ReaperInterval time.Duration `yaml:"reaper_interval"`

	// PVCDeleteTimeout bounds how long the reaper waits for a deleted
	// dataset PVC to finish terminating before patching its PV back to
	// Available (env: SECD_PVC_DELETE_TIMEOUT).
	PVCDeleteTimeout time.Duration `yaml:"pvc_delete_timeout"`

	// PVCPollInterval is the poll period within PVCDeleteTimeout
	// (env: SECD_PVC_POLL_INTERVAL).
	PVCPollInterval time.Duration `yaml:"pvc_poll_interval"`

	// LogLevel controls log verbosity: debug, info, warn, error
	// (env: SECD_LOG_LEVEL).
	LogLevel string `yaml:"log_level"`
}

// Load reads an optional YAML settings file and overlays environment
// variables on top of it, then validates the result. path may be
// empty, in which case only environment variables and documented
// defaults apply.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config file %s: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr:            ":8080",
		StorageNamespace:      "storage",
		StorageClass:          "nfs",
		NFSServer:             "nfs.secd",
		GateGroup:             "secd",
		DatabaseServiceClient: "database-service",
		ReaperInterval:        5 * time.Second,
		PVCDeleteTimeout:      60 * time.Second,
		PVCPollInterval:       5 * time.Second,
		LogLevel:              "info",
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.ListenAddr = envOr("SECD_LISTEN_ADDR", cfg.ListenAddr)
	cfg.WebhookSecret = envOr("SECD_WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.RepoRoot = envOr("SECD_REPO_ROOT", cfg.RepoRoot)
	cfg.CacheRoot = envOr("SECD_CACHE_ROOT", cfg.CacheRoot)
	cfg.PVCRoot = envOr("SECD_PVC_ROOT", cfg.PVCRoot)
	cfg.KubeConfig = envOr("KUBECONFIG", cfg.KubeConfig)
	cfg.StorageNamespace = envOr("SECD_STORAGE_NAMESPACE", cfg.StorageNamespace)
	cfg.StorageClass = envOr("SECD_STORAGE_CLASS", cfg.StorageClass)
	cfg.NFSServer = envOr("SECD_NFS_SERVER", cfg.NFSServer)
	cfg.Registry = envOr("SECD_REGISTRY", cfg.Registry)
	cfg.RegistryUser = envOr("SECD_REGISTRY_USER", cfg.RegistryUser)
	cfg.RegistryPass = envOr("SECD_REGISTRY_PASS", cfg.RegistryPass)
	cfg.RegistryCACert = envOr("SECD_REGISTRY_CA_CERT", cfg.RegistryCACert)
	cfg.Project = envOr("SECD_PROJECT", cfg.Project)
	cfg.GitProviderURL = envOr("SECD_GIT_PROVIDER_URL", cfg.GitProviderURL)
	cfg.GitProviderToken = envOr("SECD_GIT_PROVIDER_TOKEN", cfg.GitProviderToken)
	cfg.IdentityBaseURL = envOr("SECD_IDENTITY_BASE_URL", cfg.IdentityBaseURL)
	cfg.IdentityRealm = envOr("SECD_IDENTITY_REALM", cfg.IdentityRealm)
	cfg.IdentityClientID = envOr("SECD_IDENTITY_CLIENT_ID", cfg.IdentityClientID)
	cfg.IdentityClientSecret = envOr("SECD_IDENTITY_CLIENT_SECRET", cfg.IdentityClientSecret)
	cfg.GateGroup = envOr("SECD_GATE_GROUP", cfg.GateGroup)
	cfg.DatabaseServiceClient = envOr("SECD_DATABASE_SERVICE_CLIENT", cfg.DatabaseServiceClient)
	cfg.SecretsBrokerURL = envOr("SECD_SECRETS_BROKER_URL", cfg.SecretsBrokerURL)
	cfg.SecretsBrokerToken = envOr("SECD_SECRETS_BROKER_TOKEN", cfg.SecretsBrokerToken)
	cfg.ReaperInterval = envDurationOr("SECD_REAPER_INTERVAL", cfg.ReaperInterval)
	cfg.PVCDeleteTimeout = envDurationOr("SECD_PVC_DELETE_TIMEOUT", cfg.PVCDeleteTimeout)
	cfg.PVCPollInterval = envDurationOr("SECD_PVC_POLL_INTERVAL", cfg.PVCPollInterval)
	cfg.LogLevel = envOr("SECD_LOG_LEVEL", cfg.LogLevel)
}

// Validate checks that every field required to start the service is
// present. It does not check cluster or registry reachability; those
// are discovered at first use, not at startup.
func (c *Config) Validate() error {
	required := map[string]string{
		"SECD_WEBHOOK_SECRET":     c.WebhookSecret,
		"SECD_REPO_ROOT":          c.RepoRoot,
		"SECD_PVC_ROOT":           c.PVCRoot,
		"SECD_REGISTRY":           c.Registry,
		"SECD_PROJECT":            c.Project,
		"SECD_GIT_PROVIDER_URL":   c.GitProviderURL,
		"SECD_IDENTITY_BASE_URL":  c.IdentityBaseURL,
		"SECD_SECRETS_BROKER_URL": c.SecretsBrokerURL,
	}
	for env, v := range required {
		if v == "" {
			return fmt.Errorf("missing required configuration: %s", env)
		}
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("reaper_interval must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
