package backup

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

// ErrNothingToCommit is returned by Commit when the index matches HEAD.
// It is not a failure.
var ErrNothingToCommit = errors.New("nothing to commit")

// Store is the remote backup store as seen through its local mirror.
type Store interface {
	// Dir is the mirror working tree.
	Dir() string
	// Exists reports whether the mirror has been cloned.
	Exists() bool
	Clone(ctx context.Context) error
	Pull(ctx context.Context) error
	// StageAll stages every change in the mirror and reports whether the
	// index now differs from HEAD.
	StageAll(ctx context.Context) (bool, error)
	Commit(ctx context.Context, label string) error
	Push(ctx context.Context) error
	// Ahead counts local commits not yet on the remote.
	Ahead(ctx context.Context) (int, error)
	// LastChange is the commit time of the last revision touching rel, or
	// the zero time when rel has no history.
	LastChange(ctx context.Context, rel string) (time.Time, error)
}

// GitConfig describes the remote and the identity used for backup commits.
type GitConfig struct {
	Dir       string // mirror working tree
	Remote    string // https clone URL
	Token     string // access token, sent as an HTTP header only
	UserName  string
	UserEmail string
}

// GitStore implements Store over the git CLI. Every command targets the
// mirror with "git -C <dir>". The token is passed per command through
// http.extraHeader, so it is never written to the mirror's config.
type GitStore struct {
	cfg GitConfig
}

// NewGitStore returns a GitStore for cfg.
func NewGitStore(cfg GitConfig) *GitStore {
	return &GitStore{cfg: cfg}
}

func (g *GitStore) Dir() string {
	return g.cfg.Dir
}

func (g *GitStore) Exists() bool {
	_, err := os.Stat(filepath.Join(g.cfg.Dir, ".git"))
	return err == nil
}

func (g *GitStore) Clone(ctx context.Context) error {
	if g.cfg.Remote == "" {
		return fmt.Errorf("no backup remote configured")
	}
	if err := os.MkdirAll(filepath.Dir(g.cfg.Dir), 0750); err != nil {
		return fmt.Errorf("create mirror parent: %w", err)
	}
	if _, err := g.command(ctx, "", "clone", g.cfg.Remote, g.cfg.Dir); err != nil {
		return err
	}
	return g.configureIdentity(ctx)
}

func (g *GitStore) Pull(ctx context.Context) error {
	_, err := g.run(ctx, "pull", "--ff-only")
	return err
}

func (g *GitStore) StageAll(ctx context.Context) (bool, error) {
	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return false, err
	}
	out, err := g.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (g *GitStore) Commit(ctx context.Context, label string) error {
	if err := g.configureIdentity(ctx); err != nil {
		return err
	}
	if _, err := g.run(ctx, "commit", "-m", label); err != nil {
		if strings.Contains(err.Error(), "nothing to commit") || strings.Contains(err.Error(), "nothing added to commit") {
			return ErrNothingToCommit
		}
		return err
	}
	return nil
}

func (g *GitStore) Push(ctx context.Context) error {
	_, err := g.run(ctx, "push", "-u", "origin", "HEAD")
	return err
}

func (g *GitStore) Ahead(ctx context.Context) (int, error) {
	if _, err := g.run(ctx, "rev-parse", "--verify", "--quiet", "HEAD"); err != nil {
		// Unborn branch
		return 0, nil
	}
	rng := "@{u}..HEAD"
	if _, err := g.run(ctx, "rev-parse", "--abbrev-ref", "@{u}"); err != nil {
		// Nothing pushed yet, every commit is ahead
		rng = "HEAD"
	}
	out, err := g.run(ctx, "rev-list", "--count", rng)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

func (g *GitStore) LastChange(ctx context.Context, rel string) (time.Time, error) {
	out, err := g.run(ctx, "log", "-1", "--format=%ct", "--", rel)
	if err != nil {
		return time.Time{}, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time %q: %w", out, err)
	}
	return time.Unix(secs, 0), nil
}

func (g *GitStore) configureIdentity(ctx context.Context) error {
	if g.cfg.UserName != "" {
		if _, err := g.run(ctx, "config", "user.name", g.cfg.UserName); err != nil {
			return err
		}
	}
	if g.cfg.UserEmail != "" {
		if _, err := g.run(ctx, "config", "user.email", g.cfg.UserEmail); err != nil {
			return err
		}
	}
	return nil
}

// run executes a git command against the mirror and returns stdout.
func (g *GitStore) run(ctx context.Context, args ...string) (string, error) {
	return g.command(ctx, g.cfg.Dir, args...)
}

func (g *GitStore) command(ctx context.Context, dir string, args ...string) (string, error) {
	var full []string
	if g.cfg.Token != "" {
		full = append(full, "-c", "http.extraHeader=Authorization: Basic "+g.basicAuth())
	}
	if dir != "" {
		full = append(full, "-C", dir)
	}
	full = append(full, args...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	// git-remote-https may outlive a killed git and hold the pipes open
	cmd.WaitDelay = 2 * time.Second

	L_trace("backup: git", "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		// "nothing to commit" is reported on stdout
		detail := strings.TrimSpace(stderr.String() + " " + stdout.String())
		return "", fmt.Errorf("git %s in %s: %w (output: %s)",
			g.redact(strings.Join(args, " ")), g.cfg.Dir, err, g.redact(detail))
	}
	return stdout.String(), nil
}

func (g *GitStore) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte("x-access-token:" + g.cfg.Token))
}

func (g *GitStore) redact(s string) string {
	if g.cfg.Token == "" {
		return s
	}
	s = strings.ReplaceAll(s, g.cfg.Token, "***")
	return strings.ReplaceAll(s, g.basicAuth(), "***")
}
