// Package roster provides team member records and the write paths that
// mutate them.
//
// A member lives in two places: as an individual JSON file under
// .crew/members/ (the human-editable, merge-friendly form) and as a row in
// the active store database (the queryable form). The Service keeps the two
// consistent, and every mutation runs under the shared "roster" lock so
// ordinary writes serialize against a store migration's switch phase.
package roster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Resource is the lock-manager resource name guarding roster mutations.
const Resource = "roster"

// Member represents one person on the team.
//
// Fields are flat with last-write-wins timestamps so concurrent edits to
// different fields merge cleanly at the file level.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`

	// Role is free-form: "engineer", "manager", "designer", ...
	Role string `json:"role,omitempty"`

	Tags []string `json:"tags,omitempty"`

	JoinedAt  *time.Time `json:"joined_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks that the member has usable field values.
func (m *Member) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(m.ID, "/\\") {
		return fmt.Errorf("id must not contain path separators (got %q)", m.ID)
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(m.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(m.Name))
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if m.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// SetDefaults fills zero timestamps so records read from hand-written files
// still validate.
func (m *Member) SetDefaults() {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
}

// Filename returns the canonical filename for this member: {id}.json
func (m *Member) Filename() string {
	return m.ID + ".json"
}

// ReadMemberFile reads and parses a member JSON file.
func ReadMemberFile(path string) (*Member, error) {
	// #nosec G304 - controlled path under the workspace
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read member file: %w", err)
	}

	var member Member
	if err := json.Unmarshal(data, &member); err != nil {
		return nil, fmt.Errorf("failed to parse member file %s: %w", filepath.Base(path), err)
	}

	member.SetDefaults()
	if err := member.Validate(); err != nil {
		return nil, fmt.Errorf("invalid member file %s: %w", filepath.Base(path), err)
	}

	return &member, nil
}

// WriteMemberFile writes a member to dir/{id}.json atomically via a temp
// file rename.
func WriteMemberFile(dir string, member *Member) error {
	if err := member.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid member: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create members directory: %w", err)
	}

	data, err := json.MarshalIndent(member, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	path := filepath.Join(dir, member.Filename())
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ReadAllMemberFiles reads every member file in the directory, sorted by ID.
// Malformed files are skipped and reported in the returned slice of errors;
// one bad file must not hide the rest of the roster.
func ReadAllMemberFiles(dir string) ([]*Member, []error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, []error{fmt.Errorf("failed to read members directory: %w", err)}
	}

	var (
		members []*Member
		errs    []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		member, err := ReadMemberFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		members = append(members, member)
	}

	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, errs
}
