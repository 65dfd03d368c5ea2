package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/buildfleet/lkgm/pkg/specstore"
	"github.com/buildfleet/lkgm/pkg/version"
)

// Run records one coordination attempt: the baseline it started from, the
// candidate it claimed, and the most recent peer-status snapshot. Each call
// that polls replaces the snapshot wholesale; concurrent readers never see it
// mutated in place.
type Run struct {
	ID        string                      `json:"id"`
	Builder   string                      `json:"builder"`
	Baseline  version.Version             `json:"baseline"`
	Candidate version.Candidate           `json:"candidate"`
	ClaimedAt time.Time                   `json:"claimed_at"`
	Peers     map[string]specstore.Status `json:"peers,omitempty"`
	// PeersComplete is false when the last poll ended with a peer still
	// non-terminal. A partial snapshot is reported, not fatal.
	PeersComplete bool `json:"peers_complete"`
}

func newRun(builder string, baseline version.Version, c version.Candidate, claimedAt time.Time) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Builder:   builder,
		Baseline:  baseline,
		Candidate: c,
		ClaimedAt: claimedAt,
	}
}
