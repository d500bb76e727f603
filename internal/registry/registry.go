// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tessera-fed/tessera/internal/replication"
)

// DefaultLease is the freshness lease granted with each update batch.
const DefaultLease = time.Second

// eventRecord is the persisted form of one archive event. The table is
// append-only; ordering is strictly by seq.
type eventRecord struct {
	Seq  int64  `gorm:"primaryKey"`
	Op   string `gorm:"type:text;not null"`
	Kind string `gorm:"type:text;not null"`
	Body string `gorm:"type:text;not null"`
}

func (eventRecord) TableName() string { return "replication_events" }

// Service is the canonical registry: the authoritative party/site catalog,
// backed by an append-only event log, served to replicas with a lease.
type Service struct {
	mu         sync.Mutex
	store      *replication.CanonicalStore[RegisteredObject]
	server     *replication.Server[RegisteredObject]
	tombstones map[string]struct{}
	logger     *slog.Logger
}

// New creates a registry service over the given database. The event log is
// replayed to rebuild current state, so a restarted registry resumes where
// it left off. Pass an in-memory sqlite DB for ephemeral use.
func New(db *gorm.DB, lease time.Duration, logger *slog.Logger) (*Service, error) {
	if err := db.AutoMigrate(&eventRecord{}); err != nil {
		return nil, fmt.Errorf("migrating registry archive: %w", err)
	}

	var records []eventRecord
	if err := db.Order("seq").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("loading registry archive: %w", err)
	}

	events := make([]replication.Event[RegisteredObject], 0, len(records))
	tombstones := make(map[string]struct{})
	for _, rec := range records {
		obj, err := UnmarshalObject([]byte(rec.Body))
		if err != nil {
			return nil, fmt.Errorf("decoding archived event %d: %w", rec.Seq, err)
		}
		events = append(events, replication.Event[RegisteredObject]{
			Seq:    rec.Seq,
			Op:     replication.Op(rec.Op),
			Object: obj,
		})
		if replication.Op(rec.Op) == replication.OpDelete {
			tombstones[obj.Key()] = struct{}{}
		}
	}

	sink := func(ev replication.Event[RegisteredObject]) error {
		body, err := MarshalObject(ev.Object)
		if err != nil {
			return err
		}
		kind := kindSite
		if _, ok := ev.Object.(*PartyDescription); ok {
			kind = kindParty
		}
		return db.Create(&eventRecord{
			Seq:  ev.Seq,
			Op:   string(ev.Op),
			Kind: kind,
			Body: string(body),
		}).Error
	}

	archive := replication.NewArchive(sink)
	if err := archive.Restore(events); err != nil {
		return nil, fmt.Errorf("restoring registry archive: %w", err)
	}

	if lease <= 0 {
		lease = DefaultLease
	}
	svc := &Service{
		store:      replication.NewCanonicalStore(archive),
		server:     replication.NewServer(archive, lease),
		tombstones: tombstones,
		logger:     logger.With("component", "registry"),
	}
	svc.logger.Info("registry initialised", "objects", len(svc.store.Objects()), "events", len(events))
	return svc, nil
}

// RegisterParty adds a party to the catalog.
func (s *Service) RegisterParty(desc *PartyDescription) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFresh(desc.Key()); err != nil {
		return err
	}
	if err := s.store.Insert(desc); err != nil {
		return err
	}
	s.logger.Info("party registered", "party", desc.ID)
	return nil
}

// DeregisterParty removes a party. Its identifier is tombstoned and may not
// be registered again within this store's lifetime.
func (s *Service) DeregisterParty(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: party %s", ErrNotFound, id)
	}
	if _, isParty := obj.(*PartyDescription); !isParty {
		return fmt.Errorf("%w: party %s", ErrNotFound, id)
	}
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.tombstones[id] = struct{}{}
	s.logger.Info("party deregistered", "party", id)
	return nil
}

// RegisterSite adds a site to the catalog. Owner and admin must already be
// registered parties.
func (s *Service) RegisterSite(desc *SiteDescription) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFresh(desc.Key()); err != nil {
		return err
	}
	for _, partyID := range []string{string(desc.OwnerID), string(desc.AdminID)} {
		obj, ok := s.store.Get(partyID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParty, partyID)
		}
		if _, isParty := obj.(*PartyDescription); !isParty {
			return fmt.Errorf("%w: %s", ErrUnknownParty, partyID)
		}
	}
	if err := s.store.Insert(desc); err != nil {
		return err
	}
	s.logger.Info("site registered", "site", desc.ID, "endpoint", desc.Endpoint)
	return nil
}

// DeregisterSite removes a site, tombstoning its identifier.
func (s *Service) DeregisterSite(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: site %s", ErrNotFound, id)
	}
	if _, isSite := obj.(*SiteDescription); !isSite {
		return fmt.Errorf("%w: site %s", ErrNotFound, id)
	}
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.tombstones[id] = struct{}{}
	s.logger.Info("site deregistered", "site", id)
	return nil
}

// Updates serves a replication batch for replicas.
func (s *Service) Updates(since int64) replication.UpdateBatch[RegisteredObject] {
	return s.server.Updates(since)
}

// Objects returns a snapshot of the canonical set.
func (s *Service) Objects() []RegisteredObject {
	return s.store.Objects()
}

func (s *Service) checkFresh(key string) error {
	if _, gone := s.tombstones[key]; gone {
		return fmt.Errorf("%w: %s", ErrIDReused, key)
	}
	if _, exists := s.store.Get(key); exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	return nil
}
