package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
)

const (
	pvAccessMode    = corev1.ReadWriteOnce
	pvCapacity      = "50Gi"
	pvReclaimPolicy = corev1.PersistentVolumeReclaimRetain
	pvStorageClass  = "nfs"
)

// CreateNFSPersistentVolume creates an NFS-backed PV at hostPath on
// nfsServer with the fixed run-scoped capacity, access mode, reclaim
// policy, and storage class. Already-existing PVs are treated as
// success.
func (c *Client) CreateNFSPersistentVolume(ctx context.Context, name, nfsServer, hostPath string, labels map[string]string) error {
	pv := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
		Spec: corev1.PersistentVolumeSpec{
			Capacity: corev1.ResourceList{
				corev1.ResourceStorage: resource.MustParse(pvCapacity),
			},
			AccessModes:                   []corev1.PersistentVolumeAccessMode{pvAccessMode},
			PersistentVolumeReclaimPolicy: pvReclaimPolicy,
			StorageClassName:              pvStorageClass,
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				NFS: &corev1.NFSVolumeSource{
					Server: nfsServer,
					Path:   hostPath,
				},
			},
		},
	}
	_, err := c.client.CoreV1().PersistentVolumes().Create(ctx, pv, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		c.log.Debug("persistent volume already exists", "pv", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cluster: creating persistent volume %s: %w", name, err)
	}
	c.log.Info("created persistent volume", "pv", name, "server", nfsServer, "path", hostPath)
	return nil
}

// DeletePersistentVolume deletes a PV by name.
func (c *Client) DeletePersistentVolume(ctx context.Context, name string) error {
	err := c.client.CoreV1().PersistentVolumes().Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cluster: deleting persistent volume %s: %w", name, err)
	}
	return nil
}

// GetPersistentVolume looks up a PV by name.
func (c *Client) GetPersistentVolume(ctx context.Context, name string) (*corev1.PersistentVolume, error) {
	pv, err := c.client.CoreV1().PersistentVolumes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("cluster: getting persistent volume %s: %w", name, err)
	}
	return pv, nil
}

// PersistentVolumesByLabel lists PVs matching the given label selector.
func (c *Client) PersistentVolumesByLabel(ctx context.Context, selector map[string]string) ([]corev1.PersistentVolume, error) {
	sel := labels.Set(selector).String()
	list, err := c.client.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{LabelSelector: sel})
	if err != nil {
		return nil, fmt.Errorf("cluster: listing persistent volumes with selector %s: %w", sel, err)
	}
	return list.Items, nil
}

// PatchPersistentVolumeAvailable clears a released PV's claimRef so it
// reverts to the Available phase for reuse, used by the reaper after
// the bound PVC has been deleted.
func (c *Client) PatchPersistentVolumeAvailable(ctx context.Context, name string) error {
	pv, err := c.GetPersistentVolume(ctx, name)
	if err != nil {
		return err
	}
	pv.Spec.ClaimRef = nil
	if _, err := c.client.CoreV1().PersistentVolumes().Update(ctx, pv, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("cluster: patching persistent volume %s to available: %w", name, err)
	}
	return nil
}
