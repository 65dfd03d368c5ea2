package specstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildfleet/lkgm/pkg/version"
)

// Syncer brings a local tree up to date with its authoritative remote.
type Syncer interface {
	Sync(ctx context.Context, dir string) error
}

// TreeStore is a Store over a locally checked-out copy of the shared tree.
// Refresh delegates to the Syncer; a nil Syncer makes Refresh a no-op, which
// tests and purely local setups rely on.
type TreeStore struct {
	root   string
	syncer Syncer
}

var _ Store = (*TreeStore)(nil)

func NewTreeStore(root string, syncer Syncer) *TreeStore {
	return &TreeStore{root: root, syncer: syncer}
}

func (s *TreeStore) Refresh(ctx context.Context) error {
	if s.syncer == nil {
		return nil
	}
	if err := s.syncer.Sync(ctx, s.root); err != nil {
		return fmt.Errorf("refresh store %s: %w", s.root, err)
	}
	return nil
}

func (s *TreeStore) ListCandidates(ctx context.Context, v version.Version) ([]version.Candidate, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, filepath.FromSlash(specBucket(v))))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list candidates for %s: %w", v, err)
	}

	var out []version.Candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".xml") {
			continue
		}
		c, err := version.ParseCandidate(strings.TrimSuffix(name, ".xml"))
		if err != nil {
			continue
		}
		if c.Version == v {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *TreeStore) ReadCandidate(ctx context.Context, c version.Candidate) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(specPath(c))))
	if err != nil {
		return nil, fmt.Errorf("read buildspec %s: %w", c, err)
	}
	return data, nil
}

func (s *TreeStore) WriteCandidate(ctx context.Context, c version.Candidate, payload []byte) error {
	full := filepath.Join(s.root, filepath.FromSlash(specPath(c)))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("publish %s: %w", c, err)
	}

	// O_EXCL makes the race with a peer publishing the same candidate visible
	// as a conflict instead of a silent overwrite.
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("publish %s: %w", c, ErrCandidateExists)
		}
		return fmt.Errorf("publish %s: %w", c, err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("publish %s: %w", c, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("publish %s: %w", c, err)
	}
	return nil
}

func (s *TreeStore) MarkInFlight(ctx context.Context, c version.Candidate, builder, message string) error {
	if err := s.writeMarker(c, builder, StatusInflight, []byte(message+"\n")); err != nil {
		return fmt.Errorf("mark %s inflight for %s: %w", c, builder, err)
	}
	return nil
}

func (s *TreeStore) ReportResult(ctx context.Context, c version.Candidate, builder string, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("report %s for %s: status %q is not terminal", c, builder, status)
	}
	current, err := s.QueryStatus(ctx, c, builder)
	if err != nil {
		return err
	}
	if current.Terminal() {
		if current == status {
			return nil
		}
		return fmt.Errorf("report %s for %s: already %s", c, builder, current)
	}
	if err := s.writeMarker(c, builder, status, []byte(string(status)+"\n")); err != nil {
		return fmt.Errorf("report %s %s for %s: %w", c, status, builder, err)
	}
	return nil
}

func (s *TreeStore) QueryStatus(ctx context.Context, c version.Candidate, builder string) (Status, error) {
	for _, status := range []Status{StatusPass, StatusFail, StatusInflight} {
		full := filepath.Join(s.root, filepath.FromSlash(markerPath(c, builder, status)))
		if _, err := os.Lstat(full); err == nil {
			return status, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return StatusUnknown, fmt.Errorf("query %s status for %s: %w", c, builder, err)
		}
	}
	return StatusUnknown, nil
}

func (s *TreeStore) Promoted(ctx context.Context) (version.Candidate, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(promotedPointerPath())))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return version.Candidate{}, ErrNotPromoted
		}
		return version.Candidate{}, fmt.Errorf("read promoted pointer: %w", err)
	}
	c, err := version.ParseCandidate(strings.TrimSpace(string(data)))
	if err != nil {
		return version.Candidate{}, fmt.Errorf("read promoted pointer: %w", err)
	}
	return c, nil
}

func (s *TreeStore) Promote(ctx context.Context, c version.Candidate, payload []byte) error {
	if current, err := s.Promoted(ctx); err == nil && current == c {
		return nil
	} else if err != nil && !errors.Is(err, ErrNotPromoted) {
		return err
	}

	dir := filepath.Join(s.root, promotedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("promote %s: %w", c, err)
	}
	if err := replaceFile(filepath.Join(dir, promotedFile), payload); err != nil {
		return fmt.Errorf("promote %s: %w", c, err)
	}
	if err := replaceFile(filepath.Join(dir, latestFile), []byte(c.String()+"\n")); err != nil {
		return fmt.Errorf("promote %s: %w", c, err)
	}
	return nil
}

func (s *TreeStore) writeMarker(c version.Candidate, builder string, status Status, body []byte) error {
	full := filepath.Join(s.root, filepath.FromSlash(markerPath(c, builder, status)))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, body, 0o644)
}

// replaceFile writes via a sibling temp file and renames it over the target so
// a concurrent reader never observes a half-written pointer.
func replaceFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
