package specstore

import (
	"path"

	"github.com/buildfleet/lkgm/pkg/version"
)

// Store layout, shared verbatim by every builder in the fleet:
//
//	LKGM-candidates/<dirPrefix>/<candidate>.xml
//	LKGM-candidates/build-name/<builder>/{pass|fail|inflight}/<dirPrefix>/<candidate>.xml
//	LKGM/lkgm.xml
const (
	candidatesDir = "LKGM-candidates"
	buildNameDir  = "build-name"
	promotedDir   = "LKGM"
	promotedFile  = "lkgm.xml"
	latestFile    = "latest"
)

func specFileName(c version.Candidate) string {
	return c.String() + ".xml"
}

func specPath(c version.Candidate) string {
	return path.Join(candidatesDir, c.DirPrefix(), specFileName(c))
}

func specBucket(v version.Version) string {
	return path.Join(candidatesDir, v.DirPrefix())
}

func markerPath(c version.Candidate, builder string, status Status) string {
	return path.Join(candidatesDir, buildNameDir, builder, string(status),
		c.DirPrefix(), specFileName(c))
}

func promotedPath() string {
	return path.Join(promotedDir, promotedFile)
}

func promotedPointerPath() string {
	return path.Join(promotedDir, latestFile)
}
