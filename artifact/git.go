package artifact

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// repo wraps git invocations rooted at a single working tree. All commands
// run through exec with the caller's context so cancellation kills the child.
type repo struct {
	root        string
	authorName  string
	authorEmail string
}

// run executes a git command in the repo directory and returns combined
// output. The author identity is forced on every invocation so commits are
// attributable to the engine regardless of host git config.
func (r *repo) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{
		"-c", "user.name=" + r.authorName,
		"-c", "user.email=" + r.authorEmail,
	}, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = r.root

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func (r *repo) isRepo(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--git-dir")
	cmd.Dir = r.root
	return cmd.Run() == nil
}

// ensureInit initializes the working tree as a repository with an initial
// commit, so branches always have a base to fork from.
func (r *repo) ensureInit(ctx context.Context) error {
	if r.isRepo(ctx) {
		return nil
	}
	if _, err := r.run(ctx, "init"); err != nil {
		return err
	}
	if _, err := r.run(ctx, "commit", "--allow-empty", "-m", "chore: initialize artifact store"); err != nil {
		return err
	}
	return nil
}

func (r *repo) branchExists(ctx context.Context, name string) bool {
	_, err := r.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// checkoutBranch switches to name, creating it from the current HEAD when it
// does not exist yet.
func (r *repo) checkoutBranch(ctx context.Context, name string) error {
	if r.branchExists(ctx, name) {
		_, err := r.run(ctx, "checkout", name)
		return err
	}
	_, err := r.run(ctx, "checkout", "-b", name)
	return err
}

func (r *repo) head(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// showFile reads a file from a ref's tree without touching the working copy.
func (r *repo) showFile(ctx context.Context, ref, path string) ([]byte, error) {
	out, err := r.run(ctx, "show", ref+":"+path)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// branches lists local branch names matching the given glob.
func (r *repo) branches(ctx context.Context, glob string) ([]string, error) {
	out, err := r.run(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+glob)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// resolveTag returns the commit a tag points at.
func (r *repo) resolveTag(ctx context.Context, tag string) (string, error) {
	out, err := r.run(ctx, "rev-list", "-n", "1", tag)
	if err != nil {
		return "", fmt.Errorf("tag %s not found: %w", tag, err)
	}
	rev := strings.TrimSpace(out)
	if rev == "" {
		return "", fmt.Errorf("tag %s resolves to no commit", tag)
	}
	return rev, nil
}
