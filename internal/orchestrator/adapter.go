package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"secd/internal/identity"
	"secd/internal/repoclient"
	"secd/internal/run"
)

// repoAdapter bridges repoclient's free functions over a Provider into
// the single-method-per-capability RepoClient interface, carrying the
// token every clone/publish call needs.
type repoAdapter struct {
	provider repoclient.Provider
	token    string
}

// NewRepoAdapter builds a RepoClient backed by provider, using token
// for clone and result-branch push authentication.
func NewRepoAdapter(provider repoclient.Provider, token string) RepoClient {
	return &repoAdapter{provider: provider, token: token}
}

func (a *repoAdapter) Validate(ctx context.Context, payload repoclient.PushPayload) (repoclient.ValidationResult, error) {
	return repoclient.Validate(ctx, a.provider, payload)
}

func (a *repoAdapter) ResolveExternalUserID(ctx context.Context, gitlabUserID int) (string, error) {
	return a.provider.ExternalUserID(ctx, gitlabUserID)
}

func (a *repoAdapter) Clone(ctx context.Context, httpURL, dest string) error {
	return repoclient.Clone(ctx, httpURL, a.token, dest)
}

func (a *repoAdapter) ParseMetadata(path string) (run.Metadata, error) {
	return repoclient.ParseMetadata(path)
}

func (a *repoAdapter) Publish(ctx context.Context, log *slog.Logger, checkoutPath, runID string, at time.Time) error {
	return repoclient.Publish(ctx, log, checkoutPath, runID, a.token, at)
}

// identityAdapter bridges identity.Client's list-then-test shape into
// the single boolean-returning methods the orchestrator calls.
type identityAdapter struct {
	client *identity.Client
}

// NewIdentityAdapter builds an IdentityClient backed by client.
func NewIdentityAdapter(client *identity.Client) IdentityClient {
	return &identityAdapter{client: client}
}

func (a *identityAdapter) InGroup(ctx context.Context, externalUserID, groupName string) (bool, error) {
	groups, err := a.client.ListGroups(ctx, externalUserID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: listing groups for %s: %w", externalUserID, err)
	}
	return identity.InGroup(groups, groupName), nil
}

func (a *identityAdapter) HasRole(ctx context.Context, externalUserID, clientID, roleName string) (bool, error) {
	roles, err := a.client.ListRoles(ctx, externalUserID, clientID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: listing roles for %s: %w", externalUserID, err)
	}
	return identity.HasRole(roles, roleName), nil
}
