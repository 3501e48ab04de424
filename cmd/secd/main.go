// Command secd is the secure compute orchestrator: it accepts GitLab
// push webhooks, launches time-bounded analysis pods against a
// dataset, and reaps them once their rununtil deadline or pod
// lifetime expires.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"secd/internal/cluster"
	"secd/internal/config"
	"secd/internal/identity"
	"secd/internal/imagebuilder"
	"secd/internal/ingress"
	"secd/internal/orchestrator"
	"secd/internal/reaper"
	"secd/internal/repoclient"
	"secd/internal/secretsbroker"
)

func main() {
	cfg, err := config.Load(os.Getenv("SECD_CONFIG_FILE"))
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	log := setupLogger(cfg.LogLevel)
	log.Info("starting secd", "listen_addr", cfg.ListenAddr, "storage_namespace", cfg.StorageNamespace)

	k8sClient, err := buildK8sClient(cfg.KubeConfig)
	if err != nil {
		log.Error("building kubernetes client", "error", err)
		os.Exit(1)
	}
	clusterClient := cluster.New(k8sClient, log)

	provider, err := repoclient.NewGitLabProvider(cfg.GitProviderURL, cfg.GitProviderToken)
	if err != nil {
		log.Error("building gitlab provider", "error", err)
		os.Exit(1)
	}
	repo := orchestrator.NewRepoAdapter(provider, cfg.GitProviderToken)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	identityClient, err := identity.New(ctx, identity.Config{
		BaseURL:      cfg.IdentityBaseURL,
		Realm:        cfg.IdentityRealm,
		ClientID:     cfg.IdentityClientID,
		ClientSecret: cfg.IdentityClientSecret,
	})
	if err != nil {
		log.Error("building identity client", "error", err)
		os.Exit(1)
	}
	idAdapter := orchestrator.NewIdentityAdapter(identityClient)

	imageBuilder, err := imagebuilder.New(imagebuilder.Config{
		Registry:   cfg.Registry,
		Project:    cfg.Project,
		Username:   cfg.RegistryUser,
		Password:   cfg.RegistryPass,
		CACertPath: cfg.RegistryCACert,
	})
	if err != nil {
		log.Error("building image builder", "error", err)
		os.Exit(1)
	}

	secretsClient := secretsbroker.New(cfg.SecretsBrokerURL, cfg.SecretsBrokerToken, log)

	orch := orchestrator.New(cfg, repo, idAdapter, imageBuilder, secretsClient, clusterClient, log)

	reap := reaper.New(clusterClient, repo, secretsClient, cfg.RepoRoot, cfg.ReaperInterval, cfg.PVCDeleteTimeout, cfg.PVCPollInterval, log)
	go reap.Run(ctx)

	srv := ingress.New(cfg.WebhookSecret, orch, log)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening for webhooks", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ingress server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down secd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("ingress server shutdown", "error", err)
	}
}

func buildK8sConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

func buildK8sClient(kubeconfig string) (kubernetes.Interface, error) {
	restCfg, err := buildK8sConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
