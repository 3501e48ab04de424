package cluster

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ReadSecretKey reads one key of a named secret and returns its decoded
// value. The client-go typed Secret already base64-decodes Data for
// callers, so no additional decoding step is needed here.
func (c *Client) ReadSecretKey(ctx context.Context, namespace, name, key string) ([]byte, error) {
	secret, err := c.client.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("cluster: getting secret %s/%s: %w", namespace, name, err)
	}
	value, ok := secret.Data[key]
	if !ok {
		return nil, fmt.Errorf("cluster: secret %s/%s has no key %q", namespace, name, key)
	}
	return value, nil
}
