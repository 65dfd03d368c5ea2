package specstore

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitSyncer refreshes a git-backed tree by fast-forwarding onto its upstream.
type GitSyncer struct {
	// Branch to rebase onto, origin/master when empty.
	Branch string
}

var _ Syncer = (*GitSyncer)(nil)

func (g *GitSyncer) Sync(ctx context.Context, dir string) error {
	branch := g.Branch
	if branch == "" {
		branch = "origin/master"
	}
	if err := runGit(ctx, dir, "remote", "update"); err != nil {
		return err
	}
	return runGit(ctx, dir, "rebase", branch)
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err,
			strings.TrimSpace(stderr.String()))
	}
	return nil
}
