// internal/resume/marker.go
package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"depot/internal/install"

	"github.com/google/uuid"
)

// Marker is the persisted identity of a partially completed run. On the
// next launch it is compared against the freshly built manifest set: a
// mismatch means the target build changed and the partial state must not
// be resumed.
type Marker struct {
	SessionID string    `json:"session_id"`
	ResumeIDs []string  `json:"resume_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMarker captures the manifest set's resume identity under a fresh
// session id.
func NewMarker(set *install.ManifestSet, includeLegacy bool) *Marker {
	ids := set.InstallResumeIDs(includeLegacy)
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	return &Marker{
		SessionID: uuid.New().String(),
		ResumeIDs: sorted,
		CreatedAt: time.Now(),
	}
}

// Matches reports whether the marker's identity covers every resume id of
// the given set. Extra ids in the marker are tolerated: an action list that
// shrank still targets the same builds.
func (m *Marker) Matches(set *install.ManifestSet, includeLegacy bool) bool {
	recorded := make(map[string]struct{}, len(m.ResumeIDs))
	for _, id := range m.ResumeIDs {
		recorded[id] = struct{}{}
	}
	for id := range set.InstallResumeIDs(includeLegacy) {
		if _, ok := recorded[id]; !ok {
			return false
		}
	}
	return true
}

// Write persists the marker as JSON at path.
func (m *Marker) Write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling resume marker: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing resume marker: %w", err)
	}
	return nil
}

// Load reads a marker previously written at path.
func Load(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading resume marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing resume marker: %w", err)
	}
	return &m, nil
}
