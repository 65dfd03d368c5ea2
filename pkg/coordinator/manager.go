// Package coordinator derives, claims, and rendezvouses on buildspec
// candidates through the shared spec store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/buildfleet/lkgm/pkg/specstore"
	"github.com/buildfleet/lkgm/pkg/version"
)

// Polling budget defaults; callers may override per call.
const (
	DefaultMaxWait      = 300 * time.Second
	DefaultPollInterval = 30 * time.Second
)

// ErrPeerNotPassed is returned by PromoteCandidate when a required peer has
// not reported pass.
var ErrPeerNotPassed = errors.New("peer has not passed")

// GenerationError wraps a store or version failure hit while deriving or
// claiming a candidate. The manager never retries; retry policy belongs to
// the caller because re-claiming blindly could create duplicate claims.
type GenerationError struct {
	Builder string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate candidate for %s: %v", e.Builder, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Logger is the minimal logging surface the manager needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// PayloadFunc produces the buildspec document published for a candidate.
// Only CreateNextCandidate needs one; adopting and promoting builders may
// pass nil.
type PayloadFunc func(c version.Candidate) ([]byte, error)

// Manager runs the candidate protocol for one builder. It holds no run state
// between calls; every operation returns an explicit Run so repeated or
// concurrent invocations stay independent.
type Manager struct {
	store   specstore.Store
	builder string
	payload PayloadFunc
	log     Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option adjusts optional Manager behavior.
type Option func(*Manager)

// WithLogger replaces the default stdlib-backed logger.
func WithLogger(l Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock injects time for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		m.now = now
		m.sleep = sleep
	}
}

func New(store specstore.Store, builderName string, payload PayloadFunc, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		builder: builderName,
		payload: payload,
		log:     stdLogger{},
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateNextCandidate loads the baseline version, cuts the next candidate for
// it (revision one past the newest already published, or rc1 when none
// exist), publishes its buildspec, and claims it for this builder. Master
// builders call this; everyone else adopts via GetNextCandidate.
func (m *Manager) CreateNextCandidate(ctx context.Context, versionFile string) (*Run, error) {
	baseline, err := version.Load(versionFile)
	if err != nil {
		return nil, &GenerationError{Builder: m.builder, Err: err}
	}
	if err := m.store.Refresh(ctx); err != nil {
		return nil, &GenerationError{Builder: m.builder, Err: err}
	}

	existing, err := m.store.ListCandidates(ctx, baseline)
	if err != nil {
		return nil, &GenerationError{Builder: m.builder, Err: err}
	}

	next := version.FromVersion(baseline)
	if latest, ok := latestCandidate(existing); ok {
		next = latest.IncrementRevision()
	}

	if m.payload == nil {
		return nil, &GenerationError{Builder: m.builder, Err: errors.New("no buildspec payload source configured")}
	}
	payload, err := m.payload(next)
	if err != nil {
		return nil, &GenerationError{Builder: m.builder, Err: err}
	}
	if err := m.store.WriteCandidate(ctx, next, payload); err != nil {
		return nil, &GenerationError{Builder: m.builder, Err: err}
	}
	if err := m.claim(ctx, next); err != nil {
		return nil, err
	}

	m.log.Info("created candidate", "builder", m.builder, "candidate", next.String())
	return newRun(m.builder, baseline, next, m.now()), nil
}

// GetNextCandidate adopts the newest candidate published for the baseline
// that this builder has not yet processed, and claims it. Returns nil when
// the master has published nothing new for this builder.
func (m *Manager) GetNextCandidate(ctx context.Context, versionFile string) (*Run, error) {
	baseline, err := version.Load(versionFile)
	if err != nil {
		return nil, &GenerationError{Builder: m.builder, Err: err}
	}
	if err := m.store.Refresh(ctx); err != nil {
		return nil, &GenerationError{Builder: m.builder, Err: err}
	}

	existing, err := m.store.ListCandidates(ctx, baseline)
	if err != nil {
		return nil, &GenerationError{Builder: m.builder, Err: err}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[j].Less(existing[i]) })

	for _, c := range existing {
		status, err := m.store.QueryStatus(ctx, c, m.builder)
		if err != nil {
			return nil, &GenerationError{Builder: m.builder, Err: err}
		}
		if status != specstore.StatusUnknown {
			continue
		}
		if err := m.claim(ctx, c); err != nil {
			return nil, err
		}
		m.log.Info("adopted candidate", "builder", m.builder, "candidate", c.String())
		return newRun(m.builder, baseline, c, m.now()), nil
	}

	m.log.Info("no unprocessed candidate", "builder", m.builder, "baseline", baseline.String())
	return nil, nil
}

// PollPeerStatuses watches the store until every peer reaches pass or fail,
// or the budget elapses. Peers already terminal are never re-queried. The
// returned snapshot is complete when every peer finished; on timeout or
// cancellation the partial snapshot comes back with complete=false, which is
// a reported condition, not an error.
func (m *Manager) PollPeerStatuses(ctx context.Context, c version.Candidate, peers []string,
	maxWait, pollInterval time.Duration) (map[string]specstore.Status, bool, error) {

	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	deadline := m.now().Add(maxWait)

	statuses := make(map[string]specstore.Status, len(peers))
	for _, peer := range peers {
		statuses[peer] = specstore.StatusUnknown
	}

	for {
		if err := m.store.Refresh(ctx); err != nil {
			return snapshot(statuses), false, fmt.Errorf("poll %s: %w", c, err)
		}
		if err := m.queryRound(ctx, c, peers, statuses); err != nil {
			return snapshot(statuses), false, fmt.Errorf("poll %s: %w", c, err)
		}

		if allTerminal(statuses) {
			return snapshot(statuses), true, nil
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			m.log.Error("not all builders finished before the polling budget elapsed",
				"candidate", c.String(), "waited", maxWait.String())
			return snapshot(statuses), false, nil
		}

		m.log.Info("waiting for other builds to complete", "candidate", c.String())
		wait := pollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := m.sleep(ctx, wait); err != nil {
			// Cancelled: hand back the best-known partial snapshot.
			return snapshot(statuses), false, nil
		}
	}
}

// queryRound refreshes every non-terminal peer concurrently. The concurrency
// is latency trimming only; one failed query fails the round.
func (m *Manager) queryRound(ctx context.Context, c version.Candidate, peers []string,
	statuses map[string]specstore.Status) error {

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, peer := range peers {
		if statuses[peer].Terminal() {
			continue
		}
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			status, err := m.store.QueryStatus(ctx, c, peer)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("peer %s: %w", peer, err)
				}
				return
			}
			statuses[peer] = status
		}(peer)
	}
	wg.Wait()
	return firstErr
}

// PromoteCandidate marks c as the new last-known-good baseline. It refuses
// unless every required peer reports pass against a fresh view of the store.
// Promoting an already-promoted candidate is a no-op.
func (m *Manager) PromoteCandidate(ctx context.Context, c version.Candidate, peers []string) error {
	if err := m.store.Refresh(ctx); err != nil {
		return fmt.Errorf("promote %s: %w", c, err)
	}
	for _, peer := range peers {
		status, err := m.store.QueryStatus(ctx, c, peer)
		if err != nil {
			return fmt.Errorf("promote %s: %w", c, err)
		}
		if status != specstore.StatusPass {
			return fmt.Errorf("promote %s: %w: %s is %s", c, ErrPeerNotPassed, peer, status)
		}
	}

	payload, err := m.store.ReadCandidate(ctx, c)
	if err != nil {
		return fmt.Errorf("promote %s: %w", c, err)
	}
	if err := m.store.Promote(ctx, c, payload); err != nil {
		return fmt.Errorf("promote %s: %w", c, err)
	}
	m.log.Info("promoted candidate", "candidate", c.String())
	return nil
}

// ReportResult records this builder's terminal outcome for the candidate.
func (m *Manager) ReportResult(ctx context.Context, c version.Candidate, status specstore.Status) error {
	if err := m.store.ReportResult(ctx, c, m.builder, status); err != nil {
		return err
	}
	m.log.Info("reported result", "builder", m.builder, "candidate", c.String(), "status", string(status))
	return nil
}

func (m *Manager) claim(ctx context.Context, c version.Candidate) error {
	message := fmt.Sprintf("Automatic: Start %s %s", m.builder, c)
	if err := m.store.MarkInFlight(ctx, c, m.builder, message); err != nil {
		return &GenerationError{Builder: m.builder, Err: err}
	}
	return nil
}

func latestCandidate(candidates []version.Candidate) (version.Candidate, bool) {
	if len(candidates) == 0 {
		return version.Candidate{}, false
	}
	latest := candidates[0]
	for _, c := range candidates[1:] {
		if latest.Less(c) {
			latest = c
		}
	}
	return latest, true
}

func allTerminal(statuses map[string]specstore.Status) bool {
	for _, status := range statuses {
		if !status.Terminal() {
			return false
		}
	}
	return true
}

func snapshot(statuses map[string]specstore.Status) map[string]specstore.Status {
	out := make(map[string]specstore.Status, len(statuses))
	for peer, status := range statuses {
		out[peer] = status
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type stdLogger struct{}

func (stdLogger) Info(msg string, args ...any)  { log.Println(append([]any{"INFO", msg}, args...)...) }
func (stdLogger) Error(msg string, args ...any) { log.Println(append([]any{"ERROR", msg}, args...)...) }
