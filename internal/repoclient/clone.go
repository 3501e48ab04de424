package repoclient

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
)

// CloneURL injects token into httpURL by substituting the scheme
// prefix, matching the provider's expected oauth2-token-over-https
// clone convention.
func CloneURL(httpURL, token string) string {
	return strings.Replace(httpURL, "https://", "https://oauth2:"+token+"@", 1)
}

// Clone checks out httpURL at dest, which must not already exist.
func Clone(ctx context.Context, httpURL, token, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("repoclient: checkout directory %s already exists", dest)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("repoclient: checking checkout directory %s: %w", dest, err)
	}

	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL: CloneURL(httpURL, token),
	})
	if err != nil {
		return fmt.Errorf("repoclient: cloning %s: %w", httpURL, err)
	}
	return nil
}
