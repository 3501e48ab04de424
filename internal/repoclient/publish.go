package repoclient

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"secd/internal/run"
)

// Publish runs the four-step result-publication sequence against a
// surviving checkout directory: branch, commit, push, remove. Each git
// step is independently fallible and logged, not fatal; the checkout
// directory is removed regardless of how far publication got.
func Publish(ctx context.Context, log *slog.Logger, checkoutPath, runID, token string, at time.Time) error {
	defer func() {
		if err := os.RemoveAll(checkoutPath); err != nil {
			log.Error("removing checkout directory", "run_id", runID, "path", checkoutPath, "error", err)
		}
	}()

	repo, err := git.PlainOpen(checkoutPath)
	if err != nil {
		return fmt.Errorf("repoclient: opening checkout for run %s: %w", runID, err)
	}

	branch := run.BranchName(runID, at)
	if err := createAndCheckoutBranch(repo, branch); err != nil {
		log.Error("creating result branch", "run_id", runID, "branch", branch, "error", err)
		return nil
	}
	if err := commitAll(repo, runID, at); err != nil {
		log.Warn("commit step produced no result", "run_id", runID, "error", err)
	}
	if err := pushBranch(ctx, repo, branch, token); err != nil {
		log.Warn("pushing result branch failed", "run_id", runID, "branch", branch, "error", err)
	}
	return nil
}

func createAndCheckoutBranch(repo *git.Repository, branch string) error {
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("reading HEAD: %w", err)
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), head.Hash())
	if err := repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch)}); err != nil {
		return fmt.Errorf("checking out branch %s: %w", branch, err)
	}
	return nil
}

func commitAll(repo *git.Repository, runID string, at time.Time) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("staging results: %w", err)
	}
	msg := fmt.Sprintf("secd: Inserting result of run %s finished at %s", runID, at.Format(time.RFC3339))
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "secd", Email: "secd@localhost", When: at},
	})
	if err != nil {
		return fmt.Errorf("committing results: %w", err)
	}
	return nil
}

func pushBranch(ctx context.Context, repo *git.Repository, branch, token string) error {
	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	opts := &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refSpec},
	}
	if token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "oauth2", Password: token}
	}
	if err := repo.PushContext(ctx, opts); err != nil {
		return fmt.Errorf("pushing branch %s: %w", branch, err)
	}
	return nil
}
