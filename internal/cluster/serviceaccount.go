package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// defaultServiceAccountName is the one service account cluster
// operations must never delete.
const defaultServiceAccountName = "default"

// CreateServiceAccount creates a service account in namespace.
// Already-existing service accounts are treated as success.
func (c *Client) CreateServiceAccount(ctx context.Context, namespace, name string, labels map[string]string) error {
	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
	}
	_, err := c.client.CoreV1().ServiceAccounts(namespace).Create(ctx, sa, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		c.log.Debug("service account already exists", "serviceaccount", name, "namespace", namespace)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cluster: creating service account %s/%s: %w", namespace, name, err)
	}
	c.log.Info("created service account", "serviceaccount", name, "namespace", namespace)
	return nil
}

// ListServiceAccounts lists every service account in namespace.
func (c *Client) ListServiceAccounts(ctx context.Context, namespace string) ([]corev1.ServiceAccount, error) {
	list, err := c.client.CoreV1().ServiceAccounts(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("cluster: listing service accounts in %s: %w", namespace, err)
	}
	return list.Items, nil
}

// DeleteServiceAccount deletes a service account by name/namespace,
// refusing to ever touch the namespace's default service account.
func (c *Client) DeleteServiceAccount(ctx context.Context, namespace, name string) error {
	if name == defaultServiceAccountName {
		return fmt.Errorf("cluster: refusing to delete the default service account in %s", namespace)
	}
	err := c.client.CoreV1().ServiceAccounts(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cluster: deleting service account %s/%s: %w", namespace, name, err)
	}
	return nil
}
