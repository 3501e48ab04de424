package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"secd/internal/cluster"
	"secd/internal/run"
	"secd/internal/secretsbroker"
)

// databaseVariant captures everything that differs between database
// types once a dataset pod has been discovered: whether the dataset
// PVC is mounted into the run pod, and whether the secrets broker and
// a dedicated service account are engaged.
type databaseVariant interface {
	// configure finishes podSpec in place: dataset mount, service
	// account, and vault sidecar wiring are each the variant's
	// decision, not the orchestrator's.
	configure(ctx context.Context, o *Orchestrator, log *slog.Logger, r *run.Run, datasetPVCName string, podSpec *cluster.PodSpec) error
}

func variantFor(dbType run.DatabaseType) (databaseVariant, error) {
	switch dbType {
	case run.DatabaseTypeFile:
		return fileVariant{}, nil
	case run.DatabaseTypeMySQL:
		return mysqlVariant{}, nil
	default:
		return nil, fmt.Errorf("orchestrator: unknown database_type %q", dbType)
	}
}

// fileVariant mounts the discovered dataset PVC read-only at /data and
// otherwise leaves the pod untouched: no secrets broker, no dedicated
// service account.
type fileVariant struct{}

func (fileVariant) configure(ctx context.Context, o *Orchestrator, log *slog.Logger, r *run.Run, datasetPVCName string, podSpec *cluster.PodSpec) error {
	r.PVCName = datasetPVCName
	podSpec.DatasetPVCName = datasetPVCName
	return nil
}

// vaultAdminUser and vaultAdminPass are the broker's own database
// connection credentials, not a run secret: the broker uses them to
// mint the short-lived per-run credentials it then hands out.
const (
	vaultAdminUser = "vault"
	vaultAdminPass = "vaultpassword"
)

// mysqlVariant never mounts the dataset PVC (the data lives behind the
// database service, not on disk), but still requires the dataset pod
// to exist so discovery can verify the backing PV. It provisions a
// dedicated service account and wires the secrets broker's dynamic
// credentials through a Vault agent sidecar.
type mysqlVariant struct{}

func (mysqlVariant) configure(ctx context.Context, o *Orchestrator, log *slog.Logger, r *run.Run, datasetPVCName string, podSpec *cluster.PodSpec) error {
	saName := run.ServiceAccountName(r.DatabaseName)
	if err := o.cluster.CreateServiceAccount(ctx, r.Namespace, saName, nil); err != nil {
		return fmt.Errorf("creating service account %s: %w", saName, err)
	}
	podSpec.ServiceAccountName = saName

	connCfg := secretsbroker.ConnectionConfig{
		DatabaseName: r.DatabaseName,
		URLTemplate:  fmt.Sprintf("{{username}}:{{password}}@tcp(%s:3306)/", run.ServiceFQDN(r.DatabaseName, o.cfg.StorageNamespace)),
		AdminUser:    vaultAdminUser,
		AdminPass:    vaultAdminPass,
	}
	if err := o.secrets.ConfigureAll(ctx, connCfg, r.Namespace, saName); err != nil {
		return fmt.Errorf("configuring secrets broker for %s: %w", r.DatabaseName, err)
	}

	podSpec.VaultSidecar = &cluster.VaultSidecarSpec{
		Role:         run.VaultAuthRoleName(r.DatabaseName, r.Namespace),
		CredsPath:    fmt.Sprintf("database/creds/%s", run.VaultRoleName(r.DatabaseName)),
		EntrypointPy: "/app/app.py",
	}
	log.Info("configured mysql secrets broker wiring", "database", r.DatabaseName, "service_account", saName)
	return nil
}
