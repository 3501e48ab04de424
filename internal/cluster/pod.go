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
	VolumeOutput  = "output"
	VolumeDataset = "dataset"
	VolumeCache   = "cache"

	MountOutput = "/output"
	MountData   = "/data"

	gpuResourceName = "nvidia.com/gpu"
)

// PodSpec describes the desired run pod. Exactly one of DatasetPVCName
// (file-type) or VaultSidecar (mysql-type) is populated, depending on
// the run's database backend.
type PodSpec struct {
	Name      string
	Namespace string
	Image     string
	Labels    map[string]string
	EnvVars   map[string]string
	GPU       bool

	OutputPVCName string

	// DatasetPVCName, when set, mounts the dataset PVC read-only at /data.
	DatasetPVCName string

	// CachePVCName and CacheMountPath, when both set, mount an
	// additional read-write cache volume.
	CachePVCName   string
	CacheMountPath string

	// ServiceAccountName, when set, is attached to the pod (mysql variant).
	ServiceAccountName string

	// VaultSidecar, when non-nil, carries the secrets-broker sidecar
	// injection contract and overrides the container entrypoint.
	VaultSidecar *VaultSidecarSpec
}

// VaultSidecarSpec carries the annotation contract that tells the
// Vault agent injector to fetch and render short-lived DB credentials
// before the container's overridden entrypoint execs the user program.
type VaultSidecarSpec struct {
	Role         string // role-<database_name>-<namespace>
	CredsPath    string // database/creds/role-<database_name>
	EntrypointPy string // path to the user program, e.g. /app/app.py
}

// CreatePod creates a pod in namespace from spec. Already-existing pods
// are treated as success.
func (c *Client) CreatePod(ctx context.Context, spec PodSpec) error {
	pod := buildPod(spec)
	_, err := c.client.CoreV1().Pods(spec.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		c.log.Debug("pod already exists", "pod", spec.Name, "namespace", spec.Namespace)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cluster: creating pod %s/%s: %w", spec.Namespace, spec.Name, err)
	}
	c.log.Info("created pod", "pod", spec.Name, "namespace", spec.Namespace)
	return nil
}

// GetPod gets a single pod by name/namespace.
func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := c.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("cluster: getting pod %s/%s: %w", namespace, name, err)
	}
	return pod, nil
}

// ListPods lists every pod in namespace.
func (c *Client) ListPods(ctx context.Context, namespace string) ([]corev1.Pod, error) {
	list, err := c.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("cluster: listing pods in %s: %w", namespace, err)
	}
	return list.Items, nil
}

// PodsByLabel lists pods in namespace matching the given label selector,
// used for dataset-pod discovery (name=<database_name> in the storage
// namespace).
func (c *Client) PodsByLabel(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error) {
	sel := labels.Set(selector).String()
	list, err := c.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: sel})
	if err != nil {
		return nil, fmt.Errorf("cluster: listing pods in %s with selector %s: %w", namespace, sel, err)
	}
	return list.Items, nil
}

// PodLogs reads the full log stream for a pod's single container.
func (c *Client) PodLogs(ctx context.Context, namespace, name string) (string, error) {
	req := c.client.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("cluster: streaming logs for pod %s/%s: %w", namespace, name, err)
	}
	defer stream.Close()
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return string(buf), nil
}

func buildPod(spec PodSpec) *corev1.Pod {
	volumes, mounts := buildVolumesAndMounts(spec)
	container := corev1.Container{
		// Named after the pod itself (secd-<run_id>) so the reaper can
		// identify the main, non-sidecar container by name prefix.
		Name:         spec.Name,
		Image:        spec.Image,
		Env:          buildEnvVars(spec.EnvVars),
		VolumeMounts: mounts,
		Resources:    buildResources(spec.GPU),
	}

	annotations := map[string]string{}
	if spec.VaultSidecar != nil {
		annotations = vaultSidecarAnnotations(*spec.VaultSidecar)
		container.Command = []string{"/bin/sh", "-c"}
		container.Args = []string{
			fmt.Sprintf(". /vault/secrets/dbcreds && env | grep DB_ && python %s", spec.VaultSidecar.EntrypointPy),
		}
	}

	podLabels := map[string]string{}
	for k, v := range spec.Labels {
		podLabels[k] = v
	}
	if spec.GPU {
		podLabels["gpu"] = "true"
	}

	podSpec := corev1.PodSpec{
		Containers:    []corev1.Container{container},
		Volumes:       volumes,
		RestartPolicy: corev1.RestartPolicyNever,
	}
	if spec.ServiceAccountName != "" {
		podSpec.ServiceAccountName = spec.ServiceAccountName
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Namespace:   spec.Namespace,
			Labels:      podLabels,
			Annotations: annotations,
		},
		Spec: podSpec,
	}
}

func buildVolumesAndMounts(spec PodSpec) ([]corev1.Volume, []corev1.VolumeMount) {
	volumes := []corev1.Volume{
		{
			Name: VolumeOutput,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: spec.OutputPVCName},
			},
		},
	}
	mounts := []corev1.VolumeMount{
		{Name: VolumeOutput, MountPath: MountOutput},
	}

	if spec.DatasetPVCName != "" {
		volumes = append(volumes, corev1.Volume{
			Name: VolumeDataset,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: spec.DatasetPVCName,
					ReadOnly:  true,
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: VolumeDataset, MountPath: MountData, ReadOnly: true})
	}

	if spec.CachePVCName != "" && spec.CacheMountPath != "" {
		volumes = append(volumes, corev1.Volume{
			Name: VolumeCache,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: spec.CachePVCName},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: VolumeCache, MountPath: spec.CacheMountPath})
	}

	return volumes, mounts
}

func buildEnvVars(env map[string]string) []corev1.EnvVar {
	var out []corev1.EnvVar
	for k, v := range env {
		out = append(out, corev1.EnvVar{Name: k, Value: v})
	}
	return out
}

func buildResources(gpu bool) corev1.ResourceRequirements {
	if !gpu {
		return corev1.ResourceRequirements{}
	}
	return corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			gpuResourceName: resource.MustParse("1"),
		},
		Requests: corev1.ResourceList{
			gpuResourceName: resource.MustParse("1"),
		},
	}
}

func vaultSidecarAnnotations(s VaultSidecarSpec) map[string]string {
	template := fmt.Sprintf(
		"{{ with secret \"%s\" }}\nexport DB_USER=\"{{ .Data.username }}\"\nexport DB_PASS=\"{{ .Data.password }}\"\n{{ end }}",
		s.CredsPath,
	)
	return map[string]string{
		"vault.hashicorp.com/agent-inject":                  "true",
		"vault.hashicorp.com/role":                          s.Role,
		"vault.hashicorp.com/agent-inject-secret-dbcreds":   s.CredsPath,
		"vault.hashicorp.com/agent-inject-template-dbcreds": template,
	}
}
