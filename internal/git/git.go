package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ShellRecorder records repository changes by shelling out to the git
// command. Each change becomes one commit touching only the changed path,
// authored by the acting user.
type ShellRecorder struct {
	gitPath        string
	committerName  string
	committerEmail string
	authorDomain   string
}

// NewShellRecorder creates a recorder using the git binary at gitPath.
// Committer name and email are passed on the command line when set, so the
// recorder works without a global git identity.
func NewShellRecorder(gitPath, committerName, committerEmail, authorDomain string) *ShellRecorder {
	if gitPath == "" {
		gitPath = "git"
	}
	return &ShellRecorder{
		gitPath:        gitPath,
		committerName:  committerName,
		committerEmail: committerEmail,
		authorDomain:   authorDomain,
	}
}

// RecordAdd stages and commits a created or modified file.
func (r *ShellRecorder) RecordAdd(ctx context.Context, filePath, user string) error {
	return r.record(ctx, filePath, user, "updated", "add", "--")
}

// RecordDelete stages and commits the removal of a file that is already
// gone from the working tree.
func (r *ShellRecorder) RecordDelete(ctx context.Context, filePath, user string) error {
	return r.record(ctx, filePath, user, "deleted", "rm", "--cached", "--quiet", "--ignore-unmatch", "--")
}

func (r *ShellRecorder) record(ctx context.Context, filePath, user, verb string, stage ...string) error {
	dir := filepath.Dir(filePath)
	name := filepath.Base(filePath)

	top, err := r.output(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return fmt.Errorf("%s is not inside a git work tree: %w", dir, err)
	}

	if err := r.run(ctx, dir, append(stage, name)...); err != nil {
		return fmt.Errorf("git %s failed for %s: %w", stage[0], filePath, err)
	}

	// Nothing staged means the content did not change.
	if err := r.run(ctx, dir, "diff", "--cached", "--quiet", "--", name); err == nil {
		return nil
	}

	msg := fmt.Sprintf("%s %s '%s' via munkirepo", user, verb, relativeTo(top, filePath))
	if err := r.run(ctx, dir, "commit", "--quiet", "--author", r.author(user), "-m", msg, "--", name); err != nil {
		return fmt.Errorf("git commit failed for %s: %w", filePath, err)
	}
	return nil
}

// author returns the commit author for a repository user.
func (r *ShellRecorder) author(user string) string {
	domain := r.authorDomain
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("%s <%s@%s>", user, user, domain)
}

func (r *ShellRecorder) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.gitPath, append([]string{"-C", dir}, args...)...)
	var identity []string
	if r.committerName != "" {
		identity = append(identity, "-c", "user.name="+r.committerName)
	}
	if r.committerEmail != "" {
		identity = append(identity, "-c", "user.email="+r.committerEmail)
	}
	if len(identity) > 0 {
		cmd.Args = insertGitFlags(cmd.Args, identity...)
	}
	return cmd
}

func (r *ShellRecorder) run(ctx context.Context, dir string, args ...string) error {
	return runCommand(r.command(ctx, dir, args...))
}

func (r *ShellRecorder) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := r.command(ctx, dir, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// relativeTo returns target relative to the work tree top, or target itself
// when it cannot be expressed that way.
func relativeTo(top, target string) string {
	if resolved, err := filepath.EvalSymlinks(filepath.Dir(target)); err == nil {
		target = filepath.Join(resolved, filepath.Base(target))
	}
	rel, err := filepath.Rel(top, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return target
	}
	return filepath.ToSlash(rel)
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "add", "commit").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// runCommand executes a command and returns an error with its output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(output) == 0 {
			return err
		}
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
