package vcs

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/pkg/errors"
)

var (
	// ErrCloneFailed means the repository could not be cloned after all
	// attempts, or the clone left no .git directory behind.
	ErrCloneFailed = errors.New("clone failed")
	// ErrBranchFailed means the working branch could not be created.
	ErrBranchFailed = errors.New("branch creation failed")
)

// Git runs repository bootstrap operations through the git CLI.
type Git struct {
	logger       *log.Logger
	cloneRetries uint
	retryWait    time.Duration
}

type Option func(*Git)

func WithLogger(logger *log.Logger) Option {
	return func(g *Git) { g.logger = logger }
}

func WithCloneRetries(attempts int) Option {
	return func(g *Git) {
		if attempts > 0 {
			g.cloneRetries = uint(attempts)
		}
	}
}

func New(opts ...Option) *Git {
	g := &Git{
		logger:       log.New(io.Discard, "", 0),
		cloneRetries: 3,
		retryWait:    time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Clone clones url into destDir, retrying transient failures. A clone that
// finishes without a .git directory counts as failed.
func (g *Git) Clone(ctx context.Context, url string, destDir string) error {
	attempt := 0
	err := retry.Retry(
		func(_ uint) error {
			attempt++
			if attempt > 1 {
				g.logger.Printf("vcs: clone attempt %d for %s", attempt, url)
				// A partial checkout from the previous attempt makes git
				// refuse the destination.
				_ = os.RemoveAll(destDir)
			}
			out, err := g.run(ctx, "", "clone", url, destDir)
			if err != nil {
				return errors.Wrapf(ErrCloneFailed, "git clone %s: %v: %s", url, err, out)
			}
			return nil
		},
		strategy.Limit(g.cloneRetries),
		strategy.Wait(g.retryWait),
	)
	if err != nil {
		return err
	}
	if info, statErr := os.Stat(filepath.Join(destDir, ".git")); statErr != nil || !info.IsDir() {
		return errors.Wrapf(ErrCloneFailed, "clone of %s left no .git directory in %s", url, destDir)
	}
	return nil
}

// CreateBranch creates and checks out name in repoDir.
func (g *Git) CreateBranch(ctx context.Context, repoDir string, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.Wrap(ErrBranchFailed, "branch name is empty")
	}
	out, err := g.run(ctx, repoDir, "checkout", "-b", name)
	if err != nil {
		return errors.Wrapf(ErrBranchFailed, "git checkout -b %s: %v: %s", name, err, out)
	}
	return nil
}

// Diff returns the worktree diff against HEAD, including untracked content
// via the index-free form. Empty output means a clean tree.
func (g *Git) Diff(ctx context.Context, repoDir string) (string, error) {
	out, err := g.run(ctx, repoDir, "diff", "HEAD")
	if err != nil {
		return "", errors.Wrapf(err, "git diff in %s", repoDir)
	}
	return out, nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context, repoDir string) (string, error) {
	out, err := g.run(ctx, repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.Wrapf(err, "git rev-parse in %s", repoDir)
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
