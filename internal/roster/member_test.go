package roster

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validMember(id string) *Member {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Member{ID: id, Name: "Dana Whitfield", CreatedAt: now, UpdatedAt: now}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Member)
		wantOK bool
	}{
		{"valid", func(m *Member) {}, true},
		{"missing id", func(m *Member) { m.ID = "" }, false},
		{"slash in id", func(m *Member) { m.ID = "a/b" }, false},
		{"backslash in id", func(m *Member) { m.ID = `a\b` }, false},
		{"missing name", func(m *Member) { m.Name = "" }, false},
		{"name too long", func(m *Member) { m.Name = strings.Repeat("x", 201) }, false},
		{"zero created_at", func(m *Member) { m.CreatedAt = time.Time{} }, false},
		{"zero updated_at", func(m *Member) { m.UpdatedAt = time.Time{} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMember("dana")
			tt.mutate(m)
			err := m.Validate()
			if tt.wantOK && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.wantOK && err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestSetDefaults(t *testing.T) {
	m := &Member{ID: "dana", Name: "Dana"}
	m.SetDefaults()
	if m.CreatedAt.IsZero() || m.UpdatedAt.IsZero() {
		t.Error("expected timestamps defaulted")
	}
	if !m.UpdatedAt.Equal(m.CreatedAt) {
		t.Error("fresh record should have matching timestamps")
	}

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m = &Member{ID: "dana", Name: "Dana", CreatedAt: created}
	m.SetDefaults()
	if !m.CreatedAt.Equal(created) {
		t.Error("SetDefaults must not overwrite an existing created_at")
	}
}

func TestMemberFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	joined := time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)
	m := validMember("dana")
	m.Email = "dana@example.com"
	m.Tags = []string{"backend"}
	m.JoinedAt = &joined

	if err := WriteMemberFile(dir, m); err != nil {
		t.Fatalf("WriteMemberFile failed: %v", err)
	}

	got, err := ReadMemberFile(filepath.Join(dir, "dana.json"))
	if err != nil {
		t.Fatalf("ReadMemberFile failed: %v", err)
	}
	if got.ID != m.ID || got.Email != m.Email || len(got.Tags) != 1 {
		t.Errorf("round trip mangled the member: %+v", got)
	}
	if got.JoinedAt == nil || !got.JoinedAt.Equal(joined) {
		t.Errorf("joined_at did not round trip: %v", got.JoinedAt)
	}

	// No temp file left behind.
	if _, err := os.Stat(filepath.Join(dir, "dana.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind after write")
	}
}

func TestWriteMemberFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	m := validMember("dana")
	m.Name = ""
	if err := WriteMemberFile(dir, m); err == nil {
		t.Error("expected an error for an invalid member")
	}
	if _, err := os.Stat(filepath.Join(dir, "dana.json")); !os.IsNotExist(err) {
		t.Error("refused write must not leave a file")
	}
}

func TestReadAllMemberFilesSkipsMalformed(t *testing.T) {
	dir := t.TempDir()

	for _, id := range []string{"carol", "alice", "bob"} {
		if err := WriteMemberFile(dir, validMember(id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0600); err != nil {
		t.Fatal(err)
	}
	// Non-JSON files are ignored entirely.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0600); err != nil {
		t.Fatal(err)
	}

	members, errs := ReadAllMemberFiles(dir)
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	if len(errs) != 1 {
		t.Errorf("expected 1 error for the malformed file, got %d", len(errs))
	}
	for i, want := range []string{"alice", "bob", "carol"} {
		if members[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, members[i].ID)
		}
	}
}

func TestReadAllMemberFilesMissingDir(t *testing.T) {
	members, errs := ReadAllMemberFiles(filepath.Join(t.TempDir(), "nope"))
	if members != nil || errs != nil {
		t.Errorf("missing directory should be an empty roster, got %v / %v", members, errs)
	}
}
