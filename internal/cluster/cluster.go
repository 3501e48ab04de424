// Package cluster is a thin typed wrapper over the Kubernetes API,
// split by object kind: namespace, persistent volume, persistent
// volume claim, service account, secret, and pod. It never makes
// lifecycle decisions; it executes what the orchestrator and reaper
// decide.
package cluster

import (
	"log/slog"

	"k8s.io/client-go/kubernetes"
)

// Client wraps a Kubernetes clientset with the logger every object-kind
// operation reports through.
type Client struct {
	client kubernetes.Interface
	log    *slog.Logger
}

// New constructs a cluster Client backed by clientset.
func New(clientset kubernetes.Interface, log *slog.Logger) *Client {
	return &Client{client: clientset, log: log}
}
