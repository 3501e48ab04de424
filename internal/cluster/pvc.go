package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// CreatePersistentVolumeClaim creates a PVC in namespace bound
// explicitly to volumeName, not storage-class-driven. Already-existing
// PVCs are treated as success.
func (c *Client) CreatePersistentVolumeClaim(ctx context.Context, namespace, name, volumeName, capacity string, labels map[string]string) error {
	emptyClass := ""
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{pvAccessMode},
			VolumeName:       volumeName,
			StorageClassName: &emptyClass,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(capacity),
				},
			},
		},
	}
	_, err := c.client.CoreV1().PersistentVolumeClaims(namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		c.log.Debug("persistent volume claim already exists", "pvc", name, "namespace", namespace)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cluster: creating persistent volume claim %s/%s: %w", namespace, name, err)
	}
	c.log.Info("created persistent volume claim", "pvc", name, "namespace", namespace, "volume", volumeName)
	return nil
}

// DeletePersistentVolumeClaim deletes a PVC by name/namespace.
func (c *Client) DeletePersistentVolumeClaim(ctx context.Context, namespace, name string) error {
	err := c.client.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cluster: deleting persistent volume claim %s/%s: %w", namespace, name, err)
	}
	return nil
}

// GetPersistentVolumeClaim looks up a PVC by name/namespace.
func (c *Client) GetPersistentVolumeClaim(ctx context.Context, namespace, name string) (*corev1.PersistentVolumeClaim, error) {
	pvc, err := c.client.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("cluster: getting persistent volume claim %s/%s: %w", namespace, name, err)
	}
	return pvc, nil
}

// ListPersistentVolumeClaims lists every PVC in namespace, used by the
// reaper to tear down a run's storage before deleting its namespace.
func (c *Client) ListPersistentVolumeClaims(ctx context.Context, namespace string) ([]corev1.PersistentVolumeClaim, error) {
	list, err := c.client.CoreV1().PersistentVolumeClaims(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("cluster: listing persistent volume claims in %s: %w", namespace, err)
	}
	return list.Items, nil
}
