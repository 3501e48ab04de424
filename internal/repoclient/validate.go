package repoclient

import (
	"context"
	"errors"
	"fmt"

	"secd/internal/run"
)

// ErrValidationFailed wraps every payload rejection reason so callers
// can distinguish "this push is not launchable" from a transport error
// using errors.Is.
var ErrValidationFailed = errors.New("repoclient: validation failed")

// PushPayload is the GitLab push-webhook body, trimmed to the fields
// secd reads. Unknown fields are ignored by encoding/json.
type PushPayload struct {
	EventName string `json:"event_name"`
	Ref       string `json:"ref"`
	UserID    int    `json:"user_id"`
	ProjectID int    `json:"project_id"`
	Project   struct {
		HTTPURL           string `json:"http_url"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	Commits []struct {
		ID string `json:"id"`
	} `json:"commits"`
}

// ValidationResult is the outcome of Validate for an accepted payload.
type ValidationResult struct {
	// Skip is true for a bot-originated result branch: the caller must
	// accept the webhook but perform no further work.
	Skip bool
}

// Validate runs the five acceptance rules in order; the first failure
// aborts with a wrapped ErrValidationFailed carrying the reason. An
// empty commit list is rejected explicitly rather than vacuously
// passing the signature check.
func Validate(ctx context.Context, provider Provider, payload PushPayload) (ValidationResult, error) {
	if run.IsResultBranch(payload.Ref) {
		return ValidationResult{Skip: true}, nil
	}
	if payload.EventName != "push" {
		return ValidationResult{}, fmt.Errorf("%w: event_name %q is not push", ErrValidationFailed, payload.EventName)
	}
	if payload.Ref != "refs/heads/main" {
		return ValidationResult{}, fmt.Errorf("%w: ref %q is not refs/heads/main", ErrValidationFailed, payload.Ref)
	}
	if len(payload.Commits) == 0 {
		return ValidationResult{}, fmt.Errorf("%w: push contains no commits", ErrValidationFailed)
	}
	for _, c := range payload.Commits {
		verified, err := provider.CommitVerified(ctx, payload.ProjectID, c.ID)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("repoclient: checking signature for commit %s: %w", c.ID, err)
		}
		if !verified {
			return ValidationResult{}, fmt.Errorf("%w: commit %s has no verified signature", ErrValidationFailed, c.ID)
		}
	}
	hasDockerfile, err := provider.HasFile(ctx, payload.ProjectID, payload.Ref, "Dockerfile")
	if err != nil {
		return ValidationResult{}, fmt.Errorf("repoclient: checking for Dockerfile: %w", err)
	}
	if !hasDockerfile {
		return ValidationResult{}, fmt.Errorf("%w: repository has no Dockerfile at %s", ErrValidationFailed, payload.Ref)
	}
	return ValidationResult{}, nil
}
