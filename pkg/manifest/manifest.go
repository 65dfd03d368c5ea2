// Package manifest builds and parses the XML buildspec payload published for
// each candidate.
package manifest

import (
	"encoding/xml"
	"fmt"
	"time"
)

// Project pins one source tree at a fixed revision.
type Project struct {
	Name     string `xml:"name,attr"`
	Path     string `xml:"path,attr"`
	Revision string `xml:"revision,attr"`
}

// Manifest is the buildspec document stored as <candidate>.xml.
type Manifest struct {
	XMLName   xml.Name  `xml:"manifest"`
	Version   string    `xml:"version,attr"`
	CreatedAt time.Time `xml:"created,attr"`
	Projects  []Project `xml:"project"`
}

// New stamps a manifest for a candidate version string.
func New(candidate string, projects []Project) Manifest {
	return Manifest{
		Version:   candidate,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Projects:  projects,
	}
}

// Encode renders the manifest with the XML header the store expects.
func (m Manifest) Encode() ([]byte, error) {
	body, err := xml.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest %s: %w", m.Version, err)
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}

// Decode parses a stored buildspec payload.
func Decode(data []byte) (Manifest, error) {
	var m Manifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}
