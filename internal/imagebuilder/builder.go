// Package imagebuilder builds an OCI image from a cloned repository and
// pushes it to the configured registry under a run-scoped tag.
package imagebuilder

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/go-git/go-billy/v5/osfs"
)

// Config describes how to reach the Docker engine and the target registry.
type Config struct {
	Registry   string
	Project    string
	Username   string
	Password   string
	CACertPath string
}

// Builder builds and pushes run images against a single Docker engine.
type Builder struct {
	cfg Config
	api *client.Client
}

// New constructs a Builder, optionally pinning the registry's CA
// certificate into the client's HTTP transport.
func New(cfg Config) (*Builder, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}

	if cfg.CACertPath != "" {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{CAFile: cfg.CACertPath})
		if err != nil {
			return nil, fmt.Errorf("imagebuilder: loading registry CA cert: %w", err)
		}
		httpClient := &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
		opts = append(opts, client.WithHTTPClient(httpClient))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("imagebuilder: constructing docker client: %w", err)
	}
	return &Builder{cfg: cfg, api: api}, nil
}

// Tag returns the image reference a run's build will be pushed under.
func (b *Builder) Tag(runID string) string {
	return fmt.Sprintf("%s/%s/%s", b.cfg.Registry, b.cfg.Project, runID)
}

// BuildAndPush builds the Dockerfile at repoPath and pushes it under the
// run's tag. Build and push failures are returned to the caller as fatal;
// local cleanup failures are logged and swallowed.
func (b *Builder) BuildAndPush(ctx context.Context, log *slog.Logger, repoPath, runID string) (string, error) {
	tag := b.Tag(runID)

	buildCtx, err := archiveBuildContext(repoPath)
	if err != nil {
		return "", fmt.Errorf("imagebuilder: archiving build context for run %s: %w", runID, err)
	}

	buildResp, err := b.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("imagebuilder: building image for run %s: %w", runID, err)
	}
	defer buildResp.Body.Close()
	if err := drainBuildLog(buildResp.Body); err != nil {
		return "", fmt.Errorf("imagebuilder: build failed for run %s: %w", runID, err)
	}

	authStr, err := encodeAuth(b.cfg)
	if err != nil {
		return "", fmt.Errorf("imagebuilder: encoding registry auth: %w", err)
	}

	pushResp, err := b.api.ImagePush(ctx, tag, image.PushOptions{RegistryAuth: authStr})
	if err != nil {
		return "", fmt.Errorf("imagebuilder: pushing image for run %s: %w", runID, err)
	}
	defer pushResp.Close()
	if err := drainBuildLog(pushResp); err != nil {
		return "", fmt.Errorf("imagebuilder: push failed for run %s: %w", runID, err)
	}

	b.cleanup(ctx, log, tag, runID)
	return tag, nil
}

// cleanup removes the just-pushed local image and prunes dangling images.
// Both are best-effort: logged on failure, never returned as an error.
func (b *Builder) cleanup(ctx context.Context, log *slog.Logger, tag, runID string) {
	if _, err := b.api.ImageRemove(ctx, tag, image.RemoveOptions{Force: true}); err != nil {
		log.Warn("removing local image after push", "run_id", runID, "tag", tag, "error", err)
	}
	pruneFilters := filters.NewArgs(filters.Arg("dangling", "true"))
	if _, err := b.api.ImagesPrune(ctx, pruneFilters); err != nil {
		log.Warn("pruning dangling images", "run_id", runID, "error", err)
	}
}

func encodeAuth(cfg Config) (string, error) {
	authCfg := registry.AuthConfig{
		Username:      cfg.Username,
		Password:      cfg.Password,
		ServerAddress: cfg.Registry,
	}
	buf, err := json.Marshal(authCfg)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// buildMessage mirrors the line-delimited JSON objects the Docker Engine
// API streams while building or pushing an image.
type buildMessage struct {
	Error       string `json:"error"`
	ErrorDetail *struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func drainBuildLog(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decoding engine response: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("%s", msg.Error)
		}
		if msg.ErrorDetail != nil && msg.ErrorDetail.Message != "" {
			return fmt.Errorf("%s", msg.ErrorDetail.Message)
		}
	}
}

// archiveBuildContext walks repoPath through a go-billy filesystem and
// tars it into the shape the Docker Engine API expects as a build
// context.
func archiveBuildContext(repoPath string) (io.Reader, error) {
	fs := osfs.New(repoPath)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := fs.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, entry := range entries {
			rel := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				if entry.Name() == ".git" {
					continue
				}
				if err := walk(rel); err != nil {
					return err
				}
				continue
			}
			f, err := fs.Open(rel)
			if err != nil {
				return fmt.Errorf("opening %s: %w", rel, err)
			}
			contents, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("reading %s: %w", rel, err)
			}
			hdr := &tar.Header{
				Name: filepath.ToSlash(rel),
				Mode: int64(entry.Mode().Perm()),
				Size: int64(len(contents)),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("writing tar header for %s: %w", rel, err)
			}
			if _, err := tw.Write(contents); err != nil {
				return fmt.Errorf("writing tar contents for %s: %w", rel, err)
			}
		}
		return nil
	}

	if err := walk("."); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing build context archive: %w", err)
	}
	return &buf, nil
}
