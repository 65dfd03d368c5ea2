package specstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/buildfleet/lkgm/pkg/version"
)

// SFTPStore is a Store over a remote tree reached through SFTP. Every read
// hits the authoritative remote, so Refresh has nothing to synchronize.
type SFTPStore struct {
	root   string
	conn   *ssh.Client
	client *sftp.Client
}

var _ Store = (*SFTPStore)(nil)

// DialSFTP connects to addr (host:port) and roots the store at remoteRoot.
// keyPEM may be empty when password auth is used.
func DialSFTP(addr, user, keyPEM, password, remoteRoot string) (*SFTPStore, error) {
	auth := make([]ssh.AuthMethod, 0, 2)
	if strings.TrimSpace(keyPEM) != "" {
		signer, err := ssh.ParsePrivateKey([]byte(keyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if password != "" {
		auth = append(auth, ssh.Password(password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("sftp store %s: no authentication method provided", addr)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp session %s: %w", addr, err)
	}
	return &SFTPStore{root: remoteRoot, conn: conn, client: client}, nil
}

func (s *SFTPStore) Close() error {
	err := s.client.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *SFTPStore) Refresh(ctx context.Context) error {
	return nil
}

func (s *SFTPStore) ListCandidates(ctx context.Context, v version.Version) ([]version.Candidate, error) {
	entries, err := s.client.ReadDir(path.Join(s.root, specBucket(v)))
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

func (s *SFTPStore) ReadCandidate(ctx context.Context, c version.Candidate) ([]byte, error) {
	f, err := s.client.Open(path.Join(s.root, specPath(c)))
	if err != nil {
		return nil, fmt.Errorf("read buildspec %s: %w", c, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read buildspec %s: %w", c, err)
	}
	return data, nil
}

func (s *SFTPStore) WriteCandidate(ctx context.Context, c version.Candidate, payload []byte) error {
	full := path.Join(s.root, specPath(c))
	if err := s.client.MkdirAll(path.Dir(full)); err != nil {
		return fmt.Errorf("publish %s: %w", c, err)
	}

	f, err := s.client.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		if exclusiveCreateConflict(err, s.client.Lstat, full) {
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

// exclusiveCreateConflict reports whether a failed exclusive create lost a
// publish race. SFTP has no distinct already-exists status (a conflict comes
// back as a generic failure), so the loss is confirmed by the path existing
// afterwards.
func exclusiveCreateConflict(err error, stat func(string) (os.FileInfo, error), full string) bool {
	if errors.Is(err, fs.ErrExist) {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return false
	}
	_, statErr := stat(full)
	return statErr == nil
}

func (s *SFTPStore) MarkInFlight(ctx context.Context, c version.Candidate, builder, message string) error {
	if err := s.writeFile(path.Join(s.root, markerPath(c, builder, StatusInflight)),
		[]byte(message+"\n")); err != nil {
		return fmt.Errorf("mark %s inflight for %s: %w", c, builder, err)
	}
	return nil
}

func (s *SFTPStore) ReportResult(ctx context.Context, c version.Candidate, builder string, status Status) error {
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
	if err := s.writeFile(path.Join(s.root, markerPath(c, builder, status)),
		[]byte(string(status)+"\n")); err != nil {
		return fmt.Errorf("report %s %s for %s: %w", c, status, builder, err)
	}
	return nil
}

func (s *SFTPStore) QueryStatus(ctx context.Context, c version.Candidate, builder string) (Status, error) {
	for _, status := range []Status{StatusPass, StatusFail, StatusInflight} {
		if _, err := s.client.Lstat(path.Join(s.root, markerPath(c, builder, status))); err == nil {
			return status, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return StatusUnknown, fmt.Errorf("query %s status for %s: %w", c, builder, err)
		}
	}
	return StatusUnknown, nil
}

func (s *SFTPStore) Promoted(ctx context.Context) (version.Candidate, error) {
	f, err := s.client.Open(path.Join(s.root, promotedPointerPath()))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return version.Candidate{}, ErrNotPromoted
		}
		return version.Candidate{}, fmt.Errorf("read promoted pointer: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return version.Candidate{}, fmt.Errorf("read promoted pointer: %w", err)
	}
	c, err := version.ParseCandidate(strings.TrimSpace(string(data)))
	if err != nil {
		return version.Candidate{}, fmt.Errorf("read promoted pointer: %w", err)
	}
	return c, nil
}

func (s *SFTPStore) Promote(ctx context.Context, c version.Candidate, payload []byte) error {
	if current, err := s.Promoted(ctx); err == nil && current == c {
		return nil
	} else if err != nil && !errors.Is(err, ErrNotPromoted) {
		return err
	}

	if err := s.replaceFile(path.Join(s.root, promotedPath()), payload); err != nil {
		return fmt.Errorf("promote %s: %w", c, err)
	}
	if err := s.replaceFile(path.Join(s.root, promotedPointerPath()),
		[]byte(c.String()+"\n")); err != nil {
		return fmt.Errorf("promote %s: %w", c, err)
	}
	return nil
}

func (s *SFTPStore) writeFile(full string, body []byte) error {
	if err := s.client.MkdirAll(path.Dir(full)); err != nil {
		return err
	}
	f, err := s.client.Create(full)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *SFTPStore) replaceFile(full string, body []byte) error {
	tmp := full + ".tmp"
	if err := s.writeFile(tmp, body); err != nil {
		return err
	}
	if err := s.client.PosixRename(tmp, full); err != nil {
		s.client.Remove(tmp)
		return err
	}
	return nil
}
