// Package source fetches local snapshots of repositories for analysis.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound indicates the repository or local path does not exist.
	ErrNotFound = errors.New("source not found")

	// ErrFetch indicates the snapshot could not be produced (git failure, timeout).
	ErrFetch = errors.New("source fetch failed")
)

// Provider produces and discards local snapshots keyed by a target id.
type Provider interface {
	// Fetch returns the directory holding a snapshot of url.
	Fetch(ctx context.Context, url, targetID string) (string, error)
	// Discard removes the snapshot created for targetID. Missing snapshots are not an error.
	Discard(targetID string) error
}

// DefaultWorkdir is where Git clones repositories when no workdir is configured.
const DefaultWorkdir = "/tmp/code_repos"

// Git clones remote repositories with the git CLI. Local directories
// (absolute paths or file:// URLs) are used in place and never removed.
type Git struct {
	workdir string
	run     func(ctx context.Context, args ...string) ([]byte, error)
}

var _ Provider = (*Git)(nil)

// NewGit creates a provider that clones into workdir.
func NewGit(workdir string) *Git {
	if workdir == "" {
		workdir = DefaultWorkdir
	}
	return &Git{workdir: workdir, run: runGit}
}

func runGit(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd.CombinedOutput()
}

// Fetch clones url into workdir/targetID, replacing any previous snapshot.
func (g *Git) Fetch(ctx context.Context, rawURL, targetID string) (string, error) {
	if dir, ok := localPath(rawURL); ok {
		st, err := os.Stat(dir)
		if err != nil || !st.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		slog.Info("using local source in place", "path", dir)
		return dir, nil
	}

	target, err := g.targetPath(targetID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(g.workdir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create workdir: %w", ErrFetch, err)
	}
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("%w: clear previous snapshot: %w", ErrFetch, err)
	}

	slog.Info("cloning repository", "url", rawURL, "target", target)
	out, err := g.run(ctx, "clone", "--depth", "1", "--", rawURL, target)
	if err != nil {
		_ = os.RemoveAll(target)
		output := strings.TrimSpace(string(out))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: git clone %s: %w", ErrFetch, rawURL, ctxErr)
		}
		if isMissingRepo(output) {
			return "", fmt.Errorf("%w: %s: %s", ErrNotFound, rawURL, output)
		}
		return "", fmt.Errorf("%w: git clone %s: %w: %s", ErrFetch, rawURL, err, output)
	}
	return target, nil
}

// Discard removes the clone for targetID.
func (g *Git) Discard(targetID string) error {
	target, err := g.targetPath(targetID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("discard snapshot %s: %w", targetID, err)
	}
	return nil
}

func (g *Git) targetPath(targetID string) (string, error) {
	if targetID == "" || targetID == "." || targetID == ".." ||
		strings.ContainsAny(targetID, `/\`) || path.Clean(targetID) != targetID {
		return "", fmt.Errorf("%w: invalid target id %q", ErrFetch, targetID)
	}
	return filepath.Join(g.workdir, targetID), nil
}

// localPath reports whether raw names a directory on this machine.
func localPath(raw string) (string, bool) {
	if strings.HasPrefix(raw, "file://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false
		}
		return filepath.FromSlash(u.Path), true
	}
	if filepath.IsAbs(raw) {
		return raw, true
	}
	return "", false
}

func isMissingRepo(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "repository not found") ||
		strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "not found")
}
