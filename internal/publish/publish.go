package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"agentfleet/internal/model"
)

// ErrPublishFailed means the reviewable change could not be opened. The
// worker stays in awaiting_review so the next cycle retries.
var ErrPublishFailed = errors.New("publish failed")

// Publisher opens a reviewable change for a worker's branch. Implementations
// must be idempotent: re-publishing a branch with an open change returns the
// existing handle.
type Publisher interface {
	Publish(ctx context.Context, repoPath string, branch string, meta model.PublicationMetadata) (model.PublicationHandle, error)
}

// GHPublisher drives the gh CLI: push the branch, then create the pull
// request, reusing an already-open one for the same head branch.
type GHPublisher struct {
	baseBranch string
	logger     *log.Logger
}

func NewGHPublisher(baseBranch string, logger *log.Logger) *GHPublisher {
	if strings.TrimSpace(baseBranch) == "" {
		baseBranch = "main"
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &GHPublisher{baseBranch: baseBranch, logger: logger}
}

func (p *GHPublisher) Publish(ctx context.Context, repoPath string, branch string, meta model.PublicationMetadata) (model.PublicationHandle, error) {
	if strings.TrimSpace(branch) == "" {
		return model.PublicationHandle{}, errors.Wrap(ErrPublishFailed, "branch name is empty")
	}

	if handle, found, err := p.findOpen(ctx, repoPath, branch); err != nil {
		return model.PublicationHandle{}, err
	} else if found {
		p.logger.Printf("publish: reusing open change %s for branch %s", handle.URL, branch)
		return handle, nil
	}

	if out, err := runInDir(ctx, repoPath, "git", "push", "--set-upstream", "origin", branch); err != nil {
		return model.PublicationHandle{}, errors.Wrapf(ErrPublishFailed, "push %s: %v: %s", branch, err, out)
	}

	args := []string{
		"pr", "create",
		"--base", p.baseBranch,
		"--head", branch,
		"--title", meta.Title,
		"--body", meta.Description,
	}
	for _, label := range meta.Labels {
		if strings.TrimSpace(label) != "" {
			args = append(args, "--label", label)
		}
	}
	for _, reviewer := range meta.Reviewers {
		if strings.TrimSpace(reviewer) != "" {
			args = append(args, "--reviewer", reviewer)
		}
	}

	out, err := runInDir(ctx, repoPath, "gh", args...)
	if err != nil {
		return model.PublicationHandle{}, errors.Wrapf(ErrPublishFailed, "gh pr create: %v: %s", err, out)
	}
	url, number, err := parseCreateOutput(out)
	if err != nil {
		return model.PublicationHandle{}, errors.Wrapf(ErrPublishFailed, "parse gh output: %v", err)
	}
	p.logger.Printf("publish: opened %s for branch %s", url, branch)
	return model.PublicationHandle{URL: url, Number: number, State: "open"}, nil
}

type prListEntry struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

func (p *GHPublisher) findOpen(ctx context.Context, repoPath string, branch string) (model.PublicationHandle, bool, error) {
	out, err := runInDir(ctx, repoPath, "gh", "pr", "list", "--head", branch, "--state", "open", "--json", "number,url,state")
	if err != nil {
		return model.PublicationHandle{}, false, errors.Wrapf(ErrPublishFailed, "gh pr list: %v: %s", err, out)
	}
	var entries []prListEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entries); err != nil {
		return model.PublicationHandle{}, false, errors.Wrapf(ErrPublishFailed, "parse gh pr list output: %v", err)
	}
	if len(entries) == 0 {
		return model.PublicationHandle{}, false, nil
	}
	entry := entries[0]
	return model.PublicationHandle{URL: entry.URL, Number: entry.Number, State: strings.ToLower(entry.State)}, true, nil
}

var pullURLNumberRegex = regexp.MustCompile(`/pull/(\d+)`)

func parseCreateOutput(output string) (string, int, error) {
	tokens := strings.Fields(output)
	for i := len(tokens) - 1; i >= 0; i-- {
		token := strings.Trim(tokens[i], "\"'")
		if !strings.HasPrefix(token, "http://") && !strings.HasPrefix(token, "https://") {
			continue
		}
		matches := pullURLNumberRegex.FindStringSubmatch(token)
		if len(matches) < 2 {
			continue
		}
		number, err := strconv.Atoi(matches[1])
		if err != nil {
			return "", 0, errors.Wrapf(err, "parse change number from %s", token)
		}
		return token, number, nil
	}
	return "", 0, errors.New("no change URL found in output")
}

func runInDir(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return strings.TrimSpace(buf.String()), err
}
