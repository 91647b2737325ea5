package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/alephauto/alephauto/internal/domain"
)

// GitFlow runs the optional git workflow around a worker execution: branch
// off, execute, commit + open a PR on success, and always restore the
// original branch. Rollback of partial changes uses git checkout on the
// work tree; the core never relies on byte-level copies.
type GitFlow struct {
	RepoDir string
	Prefix  string

	// run is swappable in tests; defaults to invoking the binary.
	run func(ctx context.Context, name string, args ...string) (string, error)
}

// NewGitFlow constructs a GitFlow for the given repository directory.
func NewGitFlow(repoDir, prefix string) *GitFlow {
	g := &GitFlow{RepoDir: repoDir, Prefix: prefix}
	g.run = g.runCmd
	return g
}

func (g *GitFlow) runCmd(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = g.RepoDir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op=gitflow cmd=%s %s: %s: %w", name, strings.Join(args, " "), strings.TrimSpace(errBuf.String()), err)
	}
	return strings.TrimSpace(out.String()), nil
}

// sanitizeBranchComponent lowercases and strips everything but alphanumerics
// and hyphens so identifiers can never smuggle shell metacharacters into a
// branch name.
func sanitizeBranchComponent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '_' || r == ' ':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// BranchName derives the work branch for a job: <prefix>/<pipeline>-<short id>.
func (g *GitFlow) BranchName(pipelineID, jobID string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s/%s-%s", g.Prefix, sanitizeBranchComponent(pipelineID), sanitizeBranchComponent(short))
}

// CurrentBranch returns the checked-out branch name.
func (g *GitFlow) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
}

// CreateBranch creates and checks out a new branch.
func (g *GitFlow) CreateBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "git", "checkout", "-b", name)
	return err
}

// Checkout switches to an existing branch.
func (g *GitFlow) Checkout(ctx context.Context, name string) error {
	_, err := g.run(ctx, "git", "checkout", name)
	return err
}

// Rollback discards uncommitted work-tree changes via checkout.
func (g *GitFlow) Rollback(ctx context.Context) error {
	_, err := g.run(ctx, "git", "checkout", "--", ".")
	return err
}

// CommitAll stages and commits everything, returning the commit sha. A
// clean tree is not an error; the empty sha signals nothing was committed.
func (g *GitFlow) CommitAll(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "git", "add", "-A"); err != nil {
		return "", err
	}
	status, err := g.run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", nil
	}
	if _, err := g.run(ctx, "git", "commit", "-m", message); err != nil {
		return "", err
	}
	return g.run(ctx, "git", "rev-parse", "HEAD")
}

// OpenPR pushes the branch and opens a pull request via the gh CLI.
// Best-effort: failures are reported to the caller who logs them without
// failing the job.
func (g *GitFlow) OpenPR(ctx context.Context, branch, base, title, body string) (string, error) {
	if _, err := g.run(ctx, "git", "push", "-u", "origin", branch); err != nil {
		return "", err
	}
	args := []string{"pr", "create", "--head", branch, "--title", title, "--body", body}
	if base != "" {
		args = append(args, "--base", base)
	}
	return g.run(ctx, "gh", args...)
}

// defaultCommitMessage is used when the worker does not implement
// CommitMessenger.
func defaultCommitMessage(job domain.Job) string {
	return fmt.Sprintf("%s: automated changes for job %s", job.PipelineID, job.ID)
}

// defaultPRContext is used when the worker does not implement PRContexter.
func defaultPRContext(job domain.Job) (string, string) {
	title := fmt.Sprintf("[%s] automated changes (%s)", job.PipelineID, job.ID)
	body := fmt.Sprintf("Automated changes produced by pipeline %s for job %s.", job.PipelineID, job.ID)
	return title, body
}

// wrap runs the worker execution inside the scoped branch workflow. The
// original branch is restored on every exit path, including panics.
func (g *GitFlow) wrap(ctx context.Context, worker domain.Worker, job domain.Job, exec func() (map[string]any, error)) (result map[string]any, gitCtx *domain.GitContext, err error) {
	original, err := g.CurrentBranch(ctx)
	if err != nil {
		return nil, nil, err
	}
	branch := g.BranchName(job.PipelineID, job.ID)
	if err := g.CreateBranch(ctx, branch); err != nil {
		return nil, nil, err
	}
	defer func() {
		// Branch restore must survive worker panics; use a background
		// context in case the job context is already dead.
		restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if restoreErr := g.Checkout(restoreCtx, original); restoreErr != nil {
			slog.Error("failed to restore original branch",
				slog.String("branch", original),
				slog.Any("error", restoreErr))
		}
	}()

	result, err = exec()
	if err != nil {
		if rbErr := g.Rollback(ctx); rbErr != nil {
			slog.Warn("git rollback failed", slog.String("job_id", job.ID), slog.Any("error", rbErr))
		}
		return nil, nil, err
	}

	msg := defaultCommitMessage(job)
	if cm, ok := worker.(domain.CommitMessenger); ok {
		msg = cm.GenerateCommitMessage(job)
	}
	sha, commitErr := g.CommitAll(ctx, msg)
	gc := &domain.GitContext{Branch: branch, BaseBranch: original, Commit: sha}
	if commitErr != nil {
		slog.Warn("git commit failed", slog.String("job_id", job.ID), slog.Any("error", commitErr))
		return result, gc, nil
	}
	if sha == "" {
		// Nothing to commit; skip the PR.
		return result, gc, nil
	}

	title, body := defaultPRContext(job)
	if pc, ok := worker.(domain.PRContexter); ok {
		title, body = pc.GeneratePRContext(job)
	}
	prURL, prErr := g.OpenPR(ctx, branch, original, title, body)
	if prErr != nil {
		slog.Warn("pull request creation failed", slog.String("job_id", job.ID), slog.Any("error", prErr))
	} else {
		gc.PRURL = prURL
	}
	return result, gc, nil
}
