//go:build integration

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/munkirepo/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the munkirepo binary and runs it against a throwaway
// git-backed repository.
type Harness struct {
	t       *testing.T
	binary  string
	RepoDir string
	config  string
}

// NewHarness creates a repository with the given kinds and a config file
// pointing at it. Version control is enabled when git is on PATH.
func NewHarness(t *testing.T, kinds ...string) *Harness {
	t.Helper()
	h := &Harness{
		t:       t,
		RepoDir: testutil.NewRepo(t, kinds...),
	}

	gitPath, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not installed")
	}
	h.initGit(gitPath)

	h.config = filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf(`repo:
  dir: %q
  kinds: [%s]
git:
  path: %q
  author_domain: example.com
read:
  parse_policy: strict
`, h.RepoDir, strings.Join(kinds, ", "), gitPath)
	if err := os.WriteFile(h.config, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return h
}

// Build compiles the CLI into a temp directory.
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), "munkirepo")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/munkirepo")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Exec runs the binary as user with the harness config.
func (h *Harness) Exec(ctx context.Context, stdin io.Reader, user string, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	full := append([]string{"--config", h.config, "--user", user, "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, full...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec runs the binary and fails the test on a non-zero exit.
func (h *Harness) MustExec(ctx context.Context, user string, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, nil, user, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// Git runs git inside the repository and returns trimmed output.
func (h *Harness) Git(args ...string) string {
	h.t.Helper()
	out, err := exec.Command("git", append([]string{"-C", h.RepoDir}, args...)...).CombinedOutput()
	if err != nil {
		h.t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func (h *Harness) initGit(gitPath string) {
	h.t.Helper()
	for _, args := range [][]string{
		{"init", "-b", "main", h.RepoDir},
		{"-C", h.RepoDir, "commit", "--allow-empty", "-m", "Initial commit"},
	} {
		cmd := exec.Command(gitPath, args...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			h.t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
