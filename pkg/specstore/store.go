// Package specstore reads and writes the shared, path-addressed store of
// buildspecs and per-builder status markers that coordinators rendezvous on.
package specstore

import (
	"context"
	"errors"

	"github.com/buildfleet/lkgm/pkg/version"
)

// Status is a builder's recorded outcome for one candidate. A status starts
// unknown, moves to inflight when the builder claims the candidate, and ends
// in exactly one of pass or fail. Terminal statuses never revert.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusInflight Status = "inflight"
	StatusPass     Status = "pass"
	StatusFail     Status = "fail"
)

// Terminal reports whether the status is a final outcome.
func (s Status) Terminal() bool {
	return s == StatusPass || s == StatusFail
}

var (
	// ErrCandidateExists is returned when publishing a buildspec that another
	// builder already published. First writer wins.
	ErrCandidateExists = errors.New("candidate already published")
	// ErrNotPromoted is returned when no promoted baseline exists yet.
	ErrNotPromoted = errors.New("no promoted candidate")
)

// Store is the system of record shared by all builders. Refresh must be called
// before List/Query to avoid stale reads against a synchronized tree. Writes
// must be safe under concurrent calls from independent builder processes; the
// store, not its callers, resolves same-candidate publish races.
type Store interface {
	Refresh(ctx context.Context) error
	ListCandidates(ctx context.Context, v version.Version) ([]version.Candidate, error)
	ReadCandidate(ctx context.Context, c version.Candidate) ([]byte, error)
	WriteCandidate(ctx context.Context, c version.Candidate, payload []byte) error
	MarkInFlight(ctx context.Context, c version.Candidate, builder, message string) error
	ReportResult(ctx context.Context, c version.Candidate, builder string, status Status) error
	QueryStatus(ctx context.Context, c version.Candidate, builder string) (Status, error)
	Promoted(ctx context.Context) (version.Candidate, error)
	Promote(ctx context.Context, c version.Candidate, payload []byte) error
}
