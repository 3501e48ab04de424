package repoclient

import (
	"context"
	"fmt"
	"net/http"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// Provider is the subset of GitLab's REST API the validation pipeline
// and the orchestrator's identity-resolution step need. It is an
// interface so tests can fake the provider instead of hitting a real
// GitLab instance.
type Provider interface {
	CommitVerified(ctx context.Context, projectID int, sha string) (bool, error)
	HasFile(ctx context.Context, projectID int, ref, path string) (bool, error)

	// ExternalUserID resolves a GitLab user to the identity provider's
	// extern_uid of its first linked identity, the same indirection the
	// orchestrator needs before it can ask the identity provider about
	// group/role membership. A user with no linked identity is not an
	// error; it surfaces as ErrNoLinkedIdentity.
	ExternalUserID(ctx context.Context, gitlabUserID int) (string, error)
}

// ErrNoLinkedIdentity is returned when a GitLab user has no identity
// provider linked, or the link carries no extern_uid.
var ErrNoLinkedIdentity = fmt.Errorf("repoclient: gitlab user has no linked identity")

type gitlabProvider struct {
	cli *gitlab.Client
}

// NewGitLabProvider builds a Provider backed by a real GitLab(-compatible)
// instance at baseURL, authenticated with a personal/project access token.
func NewGitLabProvider(baseURL, token string) (Provider, error) {
	cli, err := gitlab.NewClient(token, gitlab.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("repoclient: building gitlab client: %w", err)
	}
	return &gitlabProvider{cli: cli}, nil
}

// CommitVerified reports whether sha has a verified GPG signature. A
// missing signature (no signature registered for the commit) counts as
// not verified, not as an error.
func (p *gitlabProvider) CommitVerified(ctx context.Context, projectID int, sha string) (bool, error) {
	sig, resp, err := p.cli.Commits.GetGPGSignature(projectID, sha, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("repoclient: fetching signature for commit %s: %w", sha, err)
	}
	return sig != nil && sig.VerificationStatus == "verified", nil
}

// HasFile reports whether path exists in the repository tree at ref.
func (p *gitlabProvider) HasFile(ctx context.Context, projectID int, ref, path string) (bool, error) {
	_, resp, err := p.cli.RepositoryFiles.GetFile(projectID, path, &gitlab.GetFileOptions{Ref: gitlab.Ptr(ref)}, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("repoclient: checking for %s at %s: %w", path, ref, err)
	}
	return true, nil
}

// ExternalUserID looks up the GitLab user and returns the extern_uid of
// its first linked identity provider, the value the identity client
// recognizes as its own user id.
func (p *gitlabProvider) ExternalUserID(ctx context.Context, gitlabUserID int) (string, error) {
	user, resp, err := p.cli.Users.GetUser(gitlabUserID, gitlab.GetUsersOptions{}, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("repoclient: gitlab user %d: %w", gitlabUserID, ErrNoLinkedIdentity)
		}
		return "", fmt.Errorf("repoclient: fetching gitlab user %d: %w", gitlabUserID, err)
	}
	if len(user.Identities) == 0 || user.Identities[0].ExternUID == "" {
		return "", fmt.Errorf("repoclient: gitlab user %d: %w", gitlabUserID, ErrNoLinkedIdentity)
	}
	return user.Identities[0].ExternUID, nil
}
