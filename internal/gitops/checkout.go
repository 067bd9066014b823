// Package gitops maintains local checkouts of project repositories by
// shelling out to the git binary.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thongdx/aid/internal/store"
)

// Checkout clones repos on first use and refreshes them afterwards. Every
// repo lives at a deterministic path derived from its project and repo ids.
type Checkout struct {
	root string
}

// NewCheckout creates a checkout manager rooted at the given workspace dir.
func NewCheckout(root string) *Checkout {
	return &Checkout{root: root}
}

// Path returns the local checkout location for a repo.
func (c *Checkout) Path(project *store.Project, repo *store.Repo) string {
	return filepath.Join(c.root, project.ID, repo.ID)
}

// Ensure returns a local path containing the repo checked out at its base
// branch: a fresh clone when the path does not exist yet, otherwise a
// stash + fetch + checkout of the remote base branch.
func (c *Checkout) Ensure(ctx context.Context, project *store.Project, repo *store.Repo) (string, error) {
	if repo.RepoURL == "" {
		return "", fmt.Errorf("repo %s has no remote URL", repo.Name)
	}

	path := c.Path(project, repo)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create workspace dir: %w", err)
		}

		log.Debug().Str("repo", repo.Name).Str("path", path).Msg("Cloning repository")

		if err := c.run(ctx, "", "git", "clone", repo.RepoURL, path); err != nil {
			return "", err
		}
		return path, nil
	}

	log.Debug().Str("repo", repo.Name).Str("branch", repo.BaseBranch).Msg("Refreshing repository")

	if err := c.run(ctx, path, "git", "stash"); err != nil {
		return "", err
	}
	if err := c.run(ctx, path, "git", "fetch"); err != nil {
		return "", err
	}
	if err := c.run(ctx, path, "git", "checkout", "origin/"+repo.BaseBranch); err != nil {
		return "", err
	}

	return path, nil
}

// run executes one git command, folding the process output into the error on
// a non-zero exit.
func (c *Checkout) run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
