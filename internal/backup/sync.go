// Package backup mirrors the session credential and settings to a remote git
// repository and restores them from it at startup.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/roelfdiedericks/relaygate/internal/config"
	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

var (
	ErrCloneFailed = errors.New("backup clone failed")
	ErrPullFailed  = errors.New("backup pull failed")
	ErrPushFailed  = errors.New("backup push failed")
)

// Mirror-relative paths of the snapshot files.
const (
	MirrorCredentials = "session/creds.db"
	MirrorSettings    = "settings.json"
)

// Labeler produces commit labels. llm.Completer satisfies it.
type Labeler interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CredentialRestorer validates and installs a credential file.
type CredentialRestorer interface {
	RestoreFile(src string) error
}

// Options configures a Synchronizer.
type Options struct {
	CredentialsPath string // local persisted credential
	SettingsPath    string // local settings file

	LabelPrompt  string
	DefaultLabel string
	LabelTimeout time.Duration
}

// Synchronizer moves state between the local data dir and the mirror.
// All operations are serialized.
type Synchronizer struct {
	store   Store
	creds   CredentialRestorer
	labeler Labeler
	opts    Options

	mu sync.Mutex
}

// NewSynchronizer creates a Synchronizer. labeler may be nil, in which case
// every commit uses the default label.
func NewSynchronizer(store Store, creds CredentialRestorer, labeler Labeler, opts Options) *Synchronizer {
	if opts.DefaultLabel == "" {
		opts.DefaultLabel = "Session backup update"
	}
	if opts.LabelTimeout <= 0 {
		opts.LabelTimeout = 10 * time.Second
	}
	return &Synchronizer{store: store, creds: creds, labeler: labeler, opts: opts}
}

type tracked struct {
	local  string
	mirror string // relative to the mirror root
	name   string
}

func (s *Synchronizer) files() []tracked {
	return []tracked{
		{local: s.opts.CredentialsPath, mirror: MirrorCredentials, name: "credentials"},
		{local: s.opts.SettingsPath, mirror: MirrorSettings, name: "settings"},
	}
}

// InitializeRemote clones the mirror when absent, otherwise pulls. Callers
// log the error and carry on with local state.
func (s *Synchronizer) InitializeRemote(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.store.Exists() {
		L_info("backup: cloning mirror", "dir", s.store.Dir())
		if err := s.store.Clone(ctx); err != nil {
			L_error("backup: clone failed", "error", err)
			return fmt.Errorf("%w: %v", ErrCloneFailed, err)
		}
		L_info("backup: mirror cloned")
		return nil
	}

	L_debug("backup: pulling mirror", "dir", s.store.Dir())
	if err := s.store.Pull(ctx); err != nil {
		L_error("backup: pull failed", "error", err)
		return fmt.Errorf("%w: %v", ErrPullFailed, err)
	}
	return nil
}

// RestoreFromMirror overwrites local files with mirror copies that differ
// and are newer. Startup only: it must run before the files are opened.
// Returns the number of files restored.
func (s *Synchronizer) RestoreFromMirror(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.store.Exists() {
		return 0, nil
	}

	var errs []error
	restored := 0
	for _, f := range s.files() {
		src := filepath.Join(s.store.Dir(), f.mirror)
		remote, err := os.Stat(src)
		if err != nil {
			continue
		}
		if same, _ := sameContent(src, f.local); same {
			continue
		}

		if local, err := os.Stat(f.local); err == nil {
			changed, err := s.store.LastChange(ctx, f.mirror)
			if err != nil || changed.IsZero() {
				changed = remote.ModTime()
			}
			if !local.ModTime().Before(changed) {
				L_debug("backup: local copy is newer, keeping it", "file", f.name)
				continue
			}
		}

		if err := s.restoreOne(f, src); err != nil {
			L_warn("backup: restore from mirror failed", "file", f.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		L_info("backup: restored from mirror", "file", f.name)
		restored++
	}
	return restored, errors.Join(errs...)
}

func (s *Synchronizer) restoreOne(f tracked, src string) error {
	if f.mirror == MirrorCredentials && s.creds != nil {
		return s.creds.RestoreFile(src)
	}
	return config.CopyFile(src, f.local)
}

// CaptureLocalState copies changed local files into the mirror working tree.
// It does not commit. Returns the number of files copied.
func (s *Synchronizer) CaptureLocalState() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureLocked()
}

func (s *Synchronizer) captureLocked() (int, error) {
	if !s.store.Exists() {
		return 0, nil
	}

	copied := 0
	for _, f := range s.files() {
		if _, err := os.Stat(f.local); err != nil {
			continue
		}
		dst := filepath.Join(s.store.Dir(), f.mirror)
		if same, _ := sameContent(f.local, dst); same {
			continue
		}
		if err := config.CopyFile(f.local, dst); err != nil {
			return copied, fmt.Errorf("capture %s: %w", f.name, err)
		}
		L_debug("backup: captured", "file", f.name)
		copied++
	}
	return copied, nil
}

// Publish commits staged mirror changes under a generated label and pushes.
// No staged change means success without a new revision.
func (s *Synchronizer) Publish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(ctx)
}

// CaptureAndPublish is CaptureLocalState followed by Publish, under one lock.
func (s *Synchronizer) CaptureAndPublish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.captureLocked(); err != nil {
		return err
	}
	return s.publishLocked(ctx)
}

func (s *Synchronizer) publishLocked(ctx context.Context) error {
	if !s.store.Exists() {
		L_debug("backup: no mirror, skipping publish")
		return nil
	}

	staged, err := s.store.StageAll(ctx)
	if err != nil {
		return fmt.Errorf("stage: %w", err)
	}

	if !staged {
		// An earlier push may have failed after its commit landed
		ahead, err := s.store.Ahead(ctx)
		if err != nil || ahead == 0 {
			L_debug("backup: nothing to publish")
			return nil
		}
		return s.push(ctx, ahead)
	}

	label := s.label(ctx)
	if err := s.store.Commit(ctx, label); err != nil {
		if errors.Is(err, ErrNothingToCommit) {
			L_info("backup: nothing to commit, backup unchanged")
			return nil
		}
		return fmt.Errorf("commit: %w", err)
	}
	L_debug("backup: committed", "label", label)
	return s.push(ctx, 1)
}

func (s *Synchronizer) push(ctx context.Context, commits int) error {
	if err := s.store.Push(ctx); err != nil {
		L_error("backup: push failed", "error", err)
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	L_info("backup: pushed", "commits", commits)
	return nil
}

// label asks the labeler for a commit message, falling back to the default.
func (s *Synchronizer) label(ctx context.Context) string {
	if s.labeler == nil || s.opts.LabelPrompt == "" {
		return s.opts.DefaultLabel
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.LabelTimeout)
	defer cancel()

	text, err := s.labeler.Complete(ctx, s.opts.LabelPrompt)
	if err != nil {
		L_debug("backup: label generation failed, using default", "error", err)
		return s.opts.DefaultLabel
	}
	text, _, _ = strings.Cut(strings.TrimSpace(text), "\n")
	text = strings.TrimSpace(strings.Trim(strings.TrimSpace(text), "\"'`"))
	if text == "" {
		return s.opts.DefaultLabel
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// sameContent reports whether both files exist with equal blake3 digests.
func sameContent(a, b string) (bool, error) {
	da, err := digest(a)
	if err != nil {
		return false, err
	}
	db, err := digest(b)
	if err != nil {
		return false, err
	}
	return da == db, nil
}

func digest(path string) ([32]byte, error) {
	var sum [32]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
