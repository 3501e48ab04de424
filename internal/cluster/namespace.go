package cluster

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// NamespacePrefix is the name prefix every run-owned namespace carries.
const NamespacePrefix = "secd-"

// CreateNamespace creates a namespace with the given labels and
// annotations. Already-existing namespaces are treated as success.
func (c *Client) CreateNamespace(ctx context.Context, name string, labels, annotations map[string]string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Labels:      labels,
			Annotations: annotations,
		},
	}
	_, err := c.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		c.log.Debug("namespace already exists", "namespace", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cluster: creating namespace %s: %w", name, err)
	}
	c.log.Info("created namespace", "namespace", name)
	return nil
}

// DeleteNamespace deletes a namespace by name.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	err := c.client.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cluster: deleting namespace %s: %w", name, err)
	}
	return nil
}

// ListRunNamespaces returns every namespace whose name carries the
// secd- run prefix.
func (c *Client) ListRunNamespaces(ctx context.Context) ([]corev1.Namespace, error) {
	list, err := c.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("cluster: listing namespaces: %w", err)
	}
	var out []corev1.Namespace
	for _, ns := range list.Items {
		if strings.HasPrefix(ns.Name, NamespacePrefix) {
			out = append(out, ns)
		}
	}
	return out, nil
}
