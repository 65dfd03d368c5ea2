package version

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

var (
	// ErrMalformedVersion indicates the text did not contain a 4-component version.
	ErrMalformedVersion = errors.New("malformed version string")
	// ErrVersionSource indicates the version descriptor could not be read.
	ErrVersionSource = errors.New("version source unavailable")
)

var versionRE = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)\.(\d+)`)

// Component names a single position of a 4-component version.
type Component string

const (
	ComponentMajor       Component = "major"
	ComponentMinor       Component = "minor"
	ComponentServicePack Component = "servicepack"
	ComponentPatch       Component = "patch"
)

// Version is an immutable 4-component build version.
type Version struct {
	Major       int
	Minor       int
	ServicePack int
	Patch       int
}

// Parse extracts the first major.minor.servicepack.patch tuple from text.
func Parse(text string) (Version, error) {
	m := versionRE.FindStringSubmatch(text)
	if m == nil {
		return Version{}, fmt.Errorf("%w: %q", ErrMalformedVersion, text)
	}
	var parts [4]int
	for i := 0; i < 4; i++ {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q", ErrMalformedVersion, text)
		}
		parts[i] = n
	}
	return Version{Major: parts[0], Minor: parts[1], ServicePack: parts[2], Patch: parts[3]}, nil
}

// Load reads the baseline version from the build tree's version descriptor file.
func Load(path string) (Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %s: %v", ErrVersionSource, path, err)
	}
	v, err := Parse(string(data))
	if err != nil {
		return Version{}, fmt.Errorf("%w: %s: %v", ErrVersionSource, path, err)
	}
	return v, nil
}

// Increment returns a new Version with the named component incremented and all
// lower-order components reset. Incrementing patch resets nothing.
func (v Version) Increment(c Component) Version {
	switch c {
	case ComponentMajor:
		return Version{Major: v.Major + 1}
	case ComponentMinor:
		return Version{Major: v.Major, Minor: v.Minor + 1}
	case ComponentServicePack:
		return Version{Major: v.Major, Minor: v.Minor, ServicePack: v.ServicePack + 1}
	default:
		return Version{Major: v.Major, Minor: v.Minor, ServicePack: v.ServicePack, Patch: v.Patch + 1}
	}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.ServicePack, v.Patch)
}

// DirPrefix is the major.minor bucket the store files versions under.
func (v Version) DirPrefix() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
