package backup

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// initRemote creates a bare repository with one commit on main and returns its path.
func initRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bare := filepath.Join(dir, "remote.git")
	seed := filepath.Join(dir, "seed")

	gitOrFail(t, "", "init", "--bare", "-b", "main", bare)
	gitOrFail(t, "", "clone", bare, seed)
	os.WriteFile(filepath.Join(seed, "README"), []byte("backup\n"), 0644)
	gitOrFail(t, seed, "add", "README")
	gitOrFail(t, seed, "-c", "user.name=Test", "-c", "user.email=test@test.local", "commit", "-m", "initial")
	gitOrFail(t, seed, "push", "origin", "HEAD:main")
	return bare
}

func gitOrFail(t *testing.T, dir string, args ...string) string {
	t.Helper()
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	out, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

func newTestGitStore(t *testing.T, remote string) *GitStore {
	return NewGitStore(GitConfig{
		Dir:       filepath.Join(t.TempDir(), "backup"),
		Remote:    remote,
		UserName:  "relaygate",
		UserEmail: "relaygate@localhost",
	})
}

func TestGitStoreRoundTrip(t *testing.T) {
	requireGit(t)
	remote := initRemote(t)
	g := newTestGitStore(t, remote)
	ctx := context.Background()

	if g.Exists() {
		t.Fatal("mirror should not exist before clone")
	}
	if err := g.Clone(ctx); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if !g.Exists() {
		t.Fatal("mirror missing after clone")
	}
	if name := strings.TrimSpace(gitOrFail(t, g.Dir(), "config", "user.name")); name != "relaygate" {
		t.Errorf("user.name = %q", name)
	}

	staged, err := g.StageAll(ctx)
	if err != nil || staged {
		t.Fatalf("StageAll on clean tree = %v, %v", staged, err)
	}
	if err := g.Commit(ctx, "empty"); !errors.Is(err, ErrNothingToCommit) {
		t.Fatalf("Commit on clean tree = %v, want ErrNothingToCommit", err)
	}

	os.WriteFile(filepath.Join(g.Dir(), "settings.json"), []byte(`{"aiActive":"true"}`), 0600)
	if staged, err := g.StageAll(ctx); err != nil || !staged {
		t.Fatalf("StageAll after change = %v, %v", staged, err)
	}
	if err := g.Commit(ctx, "Session backup update"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ahead, err := g.Ahead(ctx); err != nil || ahead != 1 {
		t.Fatalf("Ahead = %d, %v", ahead, err)
	}
	if err := g.Push(ctx); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if ahead, _ := g.Ahead(ctx); ahead != 0 {
		t.Errorf("Ahead after push = %d", ahead)
	}

	changed, err := g.LastChange(ctx, "settings.json")
	if err != nil || changed.IsZero() {
		t.Errorf("LastChange = %v, %v", changed, err)
	}
	if never, _ := g.LastChange(ctx, "missing.txt"); !never.IsZero() {
		t.Errorf("LastChange of untracked file = %v", never)
	}

	// A second mirror sees the pushed file after pull
	other := newTestGitStore(t, remote)
	if err := other.Clone(ctx); err != nil {
		t.Fatalf("second Clone: %v", err)
	}
	if err := other.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if _, err := os.Stat(filepath.Join(other.Dir(), "settings.json")); err != nil {
		t.Error("pushed file missing from second mirror")
	}
}

func TestGitStoreErrorsRedactToken(t *testing.T) {
	requireGit(t)
	g := NewGitStore(GitConfig{
		Dir:    filepath.Join(t.TempDir(), "backup"),
		Remote: filepath.Join(t.TempDir(), "does-not-exist.git"),
		Token:  "ghp_secret123",
	})

	err := g.Clone(context.Background())
	if err == nil {
		t.Fatal("expected clone failure")
	}
	if strings.Contains(err.Error(), "ghp_secret123") || strings.Contains(err.Error(), g.basicAuth()) {
		t.Errorf("token leaked in error: %v", err)
	}
}

func TestSynchronizerWithGit(t *testing.T) {
	requireGit(t)
	remote := initRemote(t)
	store := newTestGitStore(t, remote)
	s, data := newSync(t, store, nil)
	ctx := context.Background()

	if err := s.InitializeRemote(ctx); err != nil {
		t.Fatalf("InitializeRemote (clone): %v", err)
	}
	if err := s.InitializeRemote(ctx); err != nil {
		t.Fatalf("InitializeRemote (pull): %v", err)
	}

	os.WriteFile(filepath.Join(data, "settings.json"), []byte(`{"aiActive":"true"}`), 0600)
	if err := s.CaptureAndPublish(ctx); err != nil {
		t.Fatalf("CaptureAndPublish: %v", err)
	}
	head := gitOrFail(t, store.Dir(), "rev-parse", "HEAD")

	// Unchanged state publishes without a new revision
	if err := s.CaptureAndPublish(ctx); err != nil {
		t.Fatalf("second CaptureAndPublish: %v", err)
	}
	if again := gitOrFail(t, store.Dir(), "rev-parse", "HEAD"); again != head {
		t.Error("unchanged publish created a new revision")
	}
	if remoteHead := gitOrFail(t, remote, "rev-parse", "main"); remoteHead != head {
		t.Errorf("remote main = %s, want %s", remoteHead, head)
	}
}

func TestGitStoreCloneHonoursDeadline(t *testing.T) {
	requireGit(t)

	// accepts connections and never answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	g := newTestGitStore(t, "http://"+ln.Addr().String()+"/store.git")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := g.Clone(ctx); err == nil {
		t.Fatal("clone from a silent remote should fail")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("clone returned after %v, want it bounded by the context", elapsed)
	}
}
