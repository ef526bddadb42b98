package roster

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crewbase/crew/internal/locking"
)

// Store is the slice of the member store the service needs: reads and
// mutations keyed by member ID. Declared here so the storage layer can
// depend on Member without a cycle; *store.DB satisfies it.
type Store interface {
	// Enumerate returns up to limit members with ID greater than afterID,
	// in ascending ID order. An empty result ends the enumeration.
	Enumerate(ctx context.Context, afterID string, limit int) ([]*Member, error)
	Read(ctx context.Context, id string) (*Member, error)
	Upsert(ctx context.Context, member *Member) error
	Delete(ctx context.Context, id string) error
}

// DefaultLockTimeout bounds how long a roster mutation waits for the shared
// lock before giving up. Store migrations hold the lock only for the brief
// pointer switch, so contention is short-lived.
const DefaultLockTimeout = 10 * time.Second

// Service is the write path for the roster. Every mutation updates the
// member file and the active store row together, under the shared roster
// lock, so a migration's switch phase never interleaves with a half-applied
// write.
type Service struct {
	locks       *locking.Manager
	store       Store
	dir         string
	lockTimeout time.Duration
	logger      *log.Logger
}

// ServiceConfig configures a Service. Locks, Store and Dir are required.
type ServiceConfig struct {
	Locks       *locking.Manager
	Store       Store
	Dir         string // members directory, usually .crew/members
	LockTimeout time.Duration
	Logger      *log.Logger
}

// NewService creates a roster service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("members directory is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[roster] ", log.LstdFlags)
	}
	return &Service{
		locks:       cfg.Locks,
		store:       cfg.Store,
		dir:         cfg.Dir,
		lockTimeout: cfg.LockTimeout,
		logger:      cfg.Logger,
	}, nil
}

// Add creates or replaces a member. Timestamps are defaulted for fresh
// records; UpdatedAt is always advanced.
func (s *Service) Add(ctx context.Context, member *Member) error {
	member.SetDefaults()
	member.UpdatedAt = time.Now().UTC()
	if err := member.Validate(); err != nil {
		return err
	}

	return s.locks.WithLock(ctx, Resource, s.lockTimeout, func() error {
		if err := WriteMemberFile(s.dir, member); err != nil {
			return err
		}
		return s.store.Upsert(ctx, member)
	})
}

// Get returns the member with the given ID from the active store.
func (s *Service) Get(ctx context.Context, id string) (*Member, error) {
	return s.store.Read(ctx, id)
}

// List returns every member in the active store in ID order.
func (s *Service) List(ctx context.Context) ([]*Member, error) {
	var members []*Member
	cursor := ""
	for {
		batch, err := s.store.Enumerate(ctx, cursor, 100)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return members, nil
		}
		members = append(members, batch...)
		cursor = batch[len(batch)-1].ID
	}
}

// Remove deletes a member's file and row. Removing a member that does not
// exist is an error so typos surface instead of silently succeeding.
func (s *Service) Remove(ctx context.Context, id string) error {
	return s.locks.WithLock(ctx, Resource, s.lockTimeout, func() error {
		if _, err := s.store.Read(ctx, id); err != nil {
			return err
		}
		path := filepath.Join(s.dir, id+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove member file: %w", err)
		}
		return s.store.Delete(ctx, id)
	})
}

// SyncFile reconciles a single member file into the active store: a missing
// file deletes the row, a readable one upserts it. Used by the daemon to
// apply individual watcher events without a full roster scan.
func (s *Service) SyncFile(ctx context.Context, path string) error {
	return s.locks.WithLock(ctx, Resource, s.lockTimeout, func() error {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			id := strings.TrimSuffix(filepath.Base(path), ".json")
			return s.store.Delete(ctx, id)
		}
		member, err := ReadMemberFile(path)
		if err != nil {
			return err
		}
		return s.store.Upsert(ctx, member)
	})
}

// SyncResult summarizes one file-to-store reconciliation pass.
type SyncResult struct {
	Upserted int
	Deleted  int
	Errors   []error
}

// SyncFromFiles reconciles the member files into the active store: every
// readable file is upserted and store rows without a backing file are
// deleted. Malformed files are reported but never block the rest of the
// roster, and never cause the corresponding row to be deleted.
func (s *Service) SyncFromFiles(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{}

	err := s.locks.WithLock(ctx, Resource, s.lockTimeout, func() error {
		members, errs := ReadAllMemberFiles(s.dir)
		result.Errors = errs

		live := make(map[string]bool, len(members))
		for _, m := range members {
			live[m.ID] = true
			if err := s.store.Upsert(ctx, m); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("member %s: %w", m.ID, err))
				continue
			}
			result.Upserted++
		}

		// A file that failed to parse still protects its row.
		for _, err := range errs {
			s.logger.Printf("WARNING: skipping malformed member file: %v", err)
		}
		protected := len(errs) > 0

		rows, err := s.listStoreIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range rows {
			if live[id] {
				continue
			}
			if protected {
				s.logger.Printf("WARNING: keeping row %s: roster has unreadable files", id)
				continue
			}
			if err := s.store.Delete(ctx, id); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("member %s: %w", id, err))
				continue
			}
			result.Deleted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) listStoreIDs(ctx context.Context) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		batch, err := s.store.Enumerate(ctx, cursor, 100)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return ids, nil
		}
		for _, m := range batch {
			ids = append(ids, m.ID)
		}
		cursor = batch[len(batch)-1].ID
	}
}
