package version

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrMalformedCandidate indicates the text did not contain a candidate version.
var ErrMalformedCandidate = errors.New("malformed candidate string")

var candidateRE = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+)(?:-rc(\d+))?`)

// Candidate is a Version stamped with a release-candidate revision. Revisions
// for the same underlying Version increase monotonically as new candidates are
// cut; comparison is always over the integer tuple, never the string form.
type Candidate struct {
	Version
	Rev int
}

// ParseCandidate extracts a candidate from text. A missing -rcN suffix defaults
// the revision to 1.
func ParseCandidate(text string) (Candidate, error) {
	m := candidateRE.FindStringSubmatch(text)
	if m == nil {
		return Candidate{}, fmt.Errorf("%w: %q", ErrMalformedCandidate, text)
	}
	v, err := Parse(m[1])
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %q", ErrMalformedCandidate, text)
	}
	rev := 1
	if m[2] != "" {
		rev, err = strconv.Atoi(m[2])
		if err != nil || rev < 1 {
			return Candidate{}, fmt.Errorf("%w: %q", ErrMalformedCandidate, text)
		}
	}
	return Candidate{Version: v, Rev: rev}, nil
}

// FromVersion wraps a freshly loaded baseline Version as its first candidate.
func FromVersion(v Version) Candidate {
	return Candidate{Version: v, Rev: 1}
}

// String is the canonical wire form written to and read from the store.
func (c Candidate) String() string {
	return fmt.Sprintf("%s-rc%d", c.Version, c.Rev)
}

// CompareKey exposes the integer tuple used for ordering candidates.
func (c Candidate) CompareKey() [5]int {
	return [5]int{c.Major, c.Minor, c.ServicePack, c.Patch, c.Rev}
}

// Less reports whether c orders before other.
func (c Candidate) Less(other Candidate) bool {
	a, b := c.CompareKey(), other.CompareKey()
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// IncrementRevision returns a new Candidate with the next revision. The
// receiver is not mutated.
func (c Candidate) IncrementRevision() Candidate {
	return Candidate{Version: c.Version, Rev: c.Rev + 1}
}
