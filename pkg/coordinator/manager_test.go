package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/buildfleet/lkgm/pkg/specstore"
	"github.com/buildfleet/lkgm/pkg/version"
)

// fakeStore is an in-memory Store for exercising the protocol without a tree.
type fakeStore struct {
	mu        sync.Mutex
	specs     map[string][]byte
	statuses  map[string]specstore.Status // "<candidate>/<builder>"
	promoted  *version.Candidate
	refreshes int
	writeErr  error
}

var _ specstore.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		specs:    make(map[string][]byte),
		statuses: make(map[string]specstore.Status),
	}
}

func (f *fakeStore) key(c version.Candidate, builder string) string {
	return c.String() + "/" + builder
}

func (f *fakeStore) setStatus(c version.Candidate, builder string, status specstore.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[f.key(c, builder)] = status
}

func (f *fakeStore) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeStore) ListCandidates(ctx context.Context, v version.Version) ([]version.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []version.Candidate
	for text := range f.specs {
		c, err := version.ParseCandidate(text)
		if err != nil {
			continue
		}
		if c.Version == v {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) ReadCandidate(ctx context.Context, c version.Candidate) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.specs[c.String()]
	if !ok {
		return nil, fmt.Errorf("buildspec %s not published", c)
	}
	return payload, nil
}

func (f *fakeStore) WriteCandidate(ctx context.Context, c version.Candidate, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if _, ok := f.specs[c.String()]; ok {
		return specstore.ErrCandidateExists
	}
	f.specs[c.String()] = payload
	return nil
}

func (f *fakeStore) MarkInFlight(ctx context.Context, c version.Candidate, builder, message string) error {
	f.setStatus(c, builder, specstore.StatusInflight)
	return nil
}

func (f *fakeStore) ReportResult(ctx context.Context, c version.Candidate, builder string, status specstore.Status) error {
	f.setStatus(c, builder, status)
	return nil
}

func (f *fakeStore) QueryStatus(ctx context.Context, c version.Candidate, builder string) (specstore.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[f.key(c, builder)]; ok {
		return status, nil
	}
	return specstore.StatusUnknown, nil
}

func (f *fakeStore) Promoted(ctx context.Context) (version.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promoted == nil {
		return version.Candidate{}, specstore.ErrNotPromoted
	}
	return *f.promoted, nil
}

func (f *fakeStore) Promote(ctx context.Context, c version.Candidate, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = &c
	return nil
}

// fakeClock advances only when the manager sleeps, so polling tests run
// without real delay.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.sleeps = append(f.sleeps, d)
	return nil
}

func writeVersionFile(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chromeos_version.sh")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write version file: %v", err)
	}
	return path
}

func xmlPayload(c version.Candidate) ([]byte, error) {
	return []byte("<manifest version=\"" + c.String() + "\"/>"), nil
}

func newTestManager(store specstore.Store, builder string, clock *fakeClock) *Manager {
	return New(store, builder, xmlPayload, WithClock(clock.Now, clock.Sleep))
}

func TestCreateNextCandidateFirstAndIncrement(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(store, "x86-generic-pre-flight-queue", clock)
	versionFile := writeVersionFile(t, "1.2.0.0\n")

	run, err := mgr.CreateNextCandidate(ctx, versionFile)
	if err != nil {
		t.Fatalf("CreateNextCandidate: %v", err)
	}
	if run.Candidate.String() != "1.2.0.0-rc1" {
		t.Fatalf("expected 1.2.0.0-rc1, got %s", run.Candidate)
	}
	status, _ := store.QueryStatus(ctx, run.Candidate, "x86-generic-pre-flight-queue")
	if status != specstore.StatusInflight {
		t.Fatalf("expected inflight claim, got %s", status)
	}

	// No intervening store write: the next cut is rev+1.
	second, err := mgr.CreateNextCandidate(ctx, versionFile)
	if err != nil {
		t.Fatalf("second CreateNextCandidate: %v", err)
	}
	if second.Candidate.String() != "1.2.0.0-rc2" {
		t.Fatalf("expected 1.2.0.0-rc2, got %s", second.Candidate)
	}
}

func TestGetNextCandidateAdoptsLatestUnprocessed(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	versionFile := writeVersionFile(t, "1.2.0.0\n")

	master := newTestManager(store, "x86-generic-pre-flight-queue", clock)
	if _, err := master.CreateNextCandidate(ctx, versionFile); err != nil {
		t.Fatalf("master create: %v", err)
	}

	peer := newTestManager(store, "arm-generic-bin", clock)
	run, err := peer.GetNextCandidate(ctx, versionFile)
	if err != nil {
		t.Fatalf("GetNextCandidate: %v", err)
	}
	if run == nil || run.Candidate.String() != "1.2.0.0-rc1" {
		t.Fatalf("expected to adopt 1.2.0.0-rc1, got %v", run)
	}
	status, _ := store.QueryStatus(ctx, run.Candidate, "arm-generic-bin")
	if status != specstore.StatusInflight {
		t.Fatalf("expected adopting builder to be inflight, got %s", status)
	}

	// Everything processed: nothing to adopt.
	again, err := peer.GetNextCandidate(ctx, versionFile)
	if err != nil {
		t.Fatalf("GetNextCandidate after claim: %v", err)
	}
	if again != nil {
		t.Fatalf("expected nil run, got %v", again)
	}
}

func TestCreateNextCandidateWrapsErrors(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(store, "x86-generic-pre-flight-queue", clock)

	_, err := mgr.CreateNextCandidate(ctx, filepath.Join(t.TempDir(), "missing"))
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if !errors.Is(err, version.ErrVersionSource) {
		t.Fatalf("expected wrapped ErrVersionSource, got %v", err)
	}

	store.writeErr = fmt.Errorf("disk full")
	if _, err := mgr.CreateNextCandidate(ctx, writeVersionFile(t, "1.2.0.0\n")); !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError on store write, got %v", err)
	}
}

func TestPollPeerStatusesAllPassReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(store, "master", clock)
	c, _ := version.ParseCandidate("1.2.0.0-rc1")

	store.setStatus(c, "peer-a", specstore.StatusPass)
	store.setStatus(c, "peer-b", specstore.StatusPass)

	statuses, complete, err := mgr.PollPeerStatuses(ctx, c, []string{"peer-a", "peer-b"},
		DefaultMaxWait, DefaultPollInterval)
	if err != nil {
		t.Fatalf("PollPeerStatuses: %v", err)
	}
	if !complete {
		t.Fatal("expected complete snapshot")
	}
	if statuses["peer-a"] != specstore.StatusPass || statuses["peer-b"] != specstore.StatusPass {
		t.Fatalf("unexpected snapshot: %v", statuses)
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("expected no sleeps, got %v", clock.sleeps)
	}
}

func TestPollPeerStatusesTimeoutReportsPartial(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(store, "master", clock)
	c, _ := version.ParseCandidate("1.2.0.0-rc1")

	store.setStatus(c, "peer-a", specstore.StatusPass)
	store.setStatus(c, "peer-b", specstore.StatusInflight)

	statuses, complete, err := mgr.PollPeerStatuses(ctx, c, []string{"peer-a", "peer-b"},
		10*time.Second, 30*time.Second)
	if err != nil {
		t.Fatalf("timeout must be reported, not raised: %v", err)
	}
	if complete {
		t.Fatal("expected incomplete snapshot")
	}
	if statuses["peer-b"] != specstore.StatusInflight {
		t.Fatalf("expected peer-b inflight, got %s", statuses["peer-b"])
	}
	// The sleep between rounds is clamped to the remaining budget.
	for _, d := range clock.sleeps {
		if d > 10*time.Second {
			t.Fatalf("sleep exceeded budget: %v", d)
		}
	}
}

func TestPollPeerStatusesTerminalPeersNotRequeried(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	// Frozen clock with a tiny real sleep: rounds repeat until the peers
	// actually finish, without the simulated budget ever elapsing.
	frozen := time.Unix(1700000000, 0)
	mgr := New(store, "master", xmlPayload, WithClock(
		func() time.Time { return frozen },
		func(ctx context.Context, d time.Duration) error {
			time.Sleep(time.Millisecond)
			return nil
		},
	))
	c, _ := version.ParseCandidate("1.2.0.0-rc1")

	store.setStatus(c, "peer-a", specstore.StatusFail)
	store.setStatus(c, "peer-b", specstore.StatusInflight)

	done := make(chan struct{})
	go func() {
		defer close(done)
		statuses, complete, err := mgr.PollPeerStatuses(ctx, c, []string{"peer-a", "peer-b"},
			5*time.Minute, 30*time.Second)
		if err != nil {
			t.Errorf("PollPeerStatuses: %v", err)
			return
		}
		if !complete {
			t.Errorf("expected completion, got partial %v", statuses)
			return
		}
		if statuses["peer-a"] != specstore.StatusFail || statuses["peer-b"] != specstore.StatusPass {
			t.Errorf("unexpected snapshot: %v", statuses)
		}
	}()

	// Flipping a terminal state must not be observed: peer-a already failed
	// and is never re-queried. peer-b completes a few rounds in.
	time.Sleep(10 * time.Millisecond)
	store.setStatus(c, "peer-a", specstore.StatusPass)
	store.setStatus(c, "peer-b", specstore.StatusPass)
	<-done
}

func TestPromoteCandidateGate(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(store, "master", clock)
	c, _ := version.ParseCandidate("1.2.0.0-rc1")
	peers := []string{"peer-a", "peer-b"}

	if err := store.WriteCandidate(ctx, c, []byte("<manifest/>")); err != nil {
		t.Fatalf("publish candidate: %v", err)
	}
	store.setStatus(c, "peer-a", specstore.StatusPass)
	store.setStatus(c, "peer-b", specstore.StatusFail)

	err := mgr.PromoteCandidate(ctx, c, peers)
	if !errors.Is(err, ErrPeerNotPassed) {
		t.Fatalf("expected ErrPeerNotPassed with a failed peer, got %v", err)
	}

	store.setStatus(c, "peer-b", specstore.StatusPass)
	if err := mgr.PromoteCandidate(ctx, c, peers); err != nil {
		t.Fatalf("PromoteCandidate with all pass: %v", err)
	}
	promoted, err := store.Promoted(ctx)
	if err != nil || promoted != c {
		t.Fatalf("promoted pointer mismatch: %v %v", promoted, err)
	}

	// Idempotent.
	if err := mgr.PromoteCandidate(ctx, c, peers); err != nil {
		t.Fatalf("re-promotion should be a no-op: %v", err)
	}
}

func TestPromoteCandidateRefusesUnknownPeer(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mgr := newTestManager(store, "master", clock)
	c, _ := version.ParseCandidate("1.2.0.0-rc1")

	store.setStatus(c, "peer-a", specstore.StatusPass)
	err := mgr.PromoteCandidate(ctx, c, []string{"peer-a", "peer-b"})
	if !errors.Is(err, ErrPeerNotPassed) {
		t.Fatalf("expected refusal with unknown peer, got %v", err)
	}
}
