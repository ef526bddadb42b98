package roster_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/crewbase/crew/internal/locking"
	"github.com/crewbase/crew/internal/roster"
	"github.com/crewbase/crew/internal/store"
)

func newTestService(t *testing.T) (*roster.Service, *store.DB, string) {
	t.Helper()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "crew.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	membersDir := filepath.Join(dir, "members")
	svc, err := roster.NewService(roster.ServiceConfig{
		Locks: locking.NewManager(),
		Store: db,
		Dir:   membersDir,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, db, membersDir
}

func TestServiceAddWritesFileAndRow(t *testing.T) {
	svc, db, dir := newTestService(t)
	ctx := context.Background()

	m := &roster.Member{ID: "dana", Name: "Dana Whitfield", Role: "engineer"}
	if err := svc.Add(ctx, m); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "dana.json")); err != nil {
		t.Errorf("member file missing: %v", err)
	}
	row, err := db.Read(ctx, "dana")
	if err != nil {
		t.Fatalf("row missing: %v", err)
	}
	if row.Role != "engineer" {
		t.Errorf("row mangled: %+v", row)
	}
	if row.CreatedAt.IsZero() || row.UpdatedAt.IsZero() {
		t.Error("Add must default timestamps")
	}
}

func TestServiceAddRejectsInvalid(t *testing.T) {
	svc, _, dir := newTestService(t)

	m := &roster.Member{ID: "a/b", Name: "Bad"}
	if err := svc.Add(context.Background(), m); err == nil {
		t.Error("expected an error for an invalid ID")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Error("refused add must not write a file")
	}
}

func TestServiceRemove(t *testing.T) {
	svc, db, dir := newTestService(t)
	ctx := context.Background()

	if err := svc.Add(ctx, &roster.Member{ID: "dana", Name: "Dana"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Remove(ctx, "dana"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "dana.json")); !os.IsNotExist(err) {
		t.Error("member file still present after Remove")
	}
	if _, err := db.Read(ctx, "dana"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected row gone, got %v", err)
	}

	if err := svc.Remove(ctx, "dana"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("removing a missing member should surface ErrNotFound, got %v", err)
	}
}

func TestServiceList(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"carol", "alice", "bob"} {
		if err := svc.Add(ctx, &roster.Member{ID: id, Name: "Member " + id}); err != nil {
			t.Fatal(err)
		}
	}

	members, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	for i, want := range []string{"alice", "bob", "carol"} {
		if members[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, members[i].ID)
		}
	}
}

func TestSyncFromFiles(t *testing.T) {
	svc, db, dir := newTestService(t)
	ctx := context.Background()

	// Two files appear outside the service (hand-edited, or pulled in
	// through version control).
	for _, id := range []string{"alice", "bob"} {
		m := &roster.Member{ID: id, Name: "Member " + id}
		m.SetDefaults()
		if err := roster.WriteMemberFile(dir, m); err != nil {
			t.Fatal(err)
		}
	}
	// A row with no backing file, left over from a deleted member.
	orphan := &roster.Member{ID: "zoe", Name: "Zoe"}
	orphan.SetDefaults()
	if err := db.Upsert(ctx, orphan); err != nil {
		t.Fatal(err)
	}

	result, err := svc.SyncFromFiles(ctx)
	if err != nil {
		t.Fatalf("SyncFromFiles failed: %v", err)
	}
	if result.Upserted != 2 || result.Deleted != 1 || len(result.Errors) != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	count, _ := db.Count(ctx)
	if count != 2 {
		t.Errorf("expected 2 rows after sync, got %d", count)
	}
	if _, err := db.Read(ctx, "zoe"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected orphan row deleted, got %v", err)
	}
}

func TestSyncFromFilesMalformedFileProtectsRows(t *testing.T) {
	svc, db, dir := newTestService(t)
	ctx := context.Background()

	if err := svc.Add(ctx, &roster.Member{ID: "dana", Name: "Dana"}); err != nil {
		t.Fatal(err)
	}
	// Corrupt dana's file: sync must not treat the unreadable roster as
	// evidence that dana was deleted.
	if err := os.WriteFile(filepath.Join(dir, "dana.json"), []byte("{nope"), 0600); err != nil {
		t.Fatal(err)
	}

	result, err := svc.SyncFromFiles(ctx)
	if err != nil {
		t.Fatalf("SyncFromFiles failed: %v", err)
	}
	if len(result.Errors) == 0 {
		t.Error("expected the malformed file reported")
	}
	if result.Deleted != 0 {
		t.Errorf("sync deleted %d rows with unreadable files present", result.Deleted)
	}
	if _, err := db.Read(ctx, "dana"); err != nil {
		t.Errorf("dana's row should survive: %v", err)
	}
}
