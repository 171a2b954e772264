// Package podcost adjusts the Kubernetes pod-deletion-cost annotation so
// the scheduler prefers evicting idle workers over ones mid-job. Outside
// a pod every call is a silent no-op.
package podcost

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	tokenPath     = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	caPath        = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
	namespacePath = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
)

// Updater patches the deletion-cost annotation of its own pod.
type Updater struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Updater {
	return &Updater{log: log}
}

// Set applies the deletion cost. Returns false when not running in a pod
// or when the API call fails; neither is fatal.
func (u *Updater) Set(ctx context.Context, cost int) bool {
	podName := os.Getenv("POD_NAME")
	host := os.Getenv("KUBERNETES_SERVICE_HOST")
	port := os.Getenv("KUBERNETES_SERVICE_PORT")
	if podName == "" || host == "" {
		u.log.Debug().Msg("not running in a k8s pod, skipping deletion cost update")
		return false
	}

	token, err := os.ReadFile(tokenPath)
	if err != nil {
		u.log.Debug().Err(err).Msg("kubernetes token file not found")
		return false
	}

	patch := []map[string]any{{
		"op":   "replace",
		"path": "/metadata/annotations",
		"value": map[string]string{
			"controller.kubernetes.io/pod-deletion-cost": strconv.Itoa(cost),
		},
	}}
	body, err := json.Marshal(patch)
	if err != nil {
		return false
	}

	patchURL := fmt.Sprintf("https://%s:%s/api/v1/namespaces/%s/pods/%s", host, port, namespace(), podName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, patchURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json-patch+json")
	req.Header.Set("Authorization", "Bearer "+string(token))

	resp, err := u.client().Do(req)
	if err != nil {
		u.log.Warn().Err(err).Msg("pod deletion cost patch failed")
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		u.log.Warn().Int("status", resp.StatusCode).Msg("pod deletion cost patch rejected")
		return false
	}
	return true
}

func namespace() string {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	if ns, err := os.ReadFile(namespacePath); err == nil && len(ns) > 0 {
		return string(bytes.TrimSpace(ns))
	}
	return "default"
}

func (u *Updater) client() *http.Client {
	client := &http.Client{Timeout: 10 * time.Second}
	if ca, err := os.ReadFile(caPath); err == nil {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(ca) {
			client.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: pool},
			}
		}
	}
	return client
}
