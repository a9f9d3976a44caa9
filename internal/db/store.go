package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrHostnameNotFound is returned when a lookup by full hostname misses.
var ErrHostnameNotFound = errors.New("hostname record not found")

// Store is the access layer over the embedded state store. All components
// go through it; nobody touches gorm directly.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an opened database.
func NewStore(gormDB *gorm.DB) *Store {
	return &Store{db: gormDB}
}

// --- Hostname records ---

// CreateHostname inserts a confirmed endpoint record.
func (s *Store) CreateHostname(rec *HostnameRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("create hostname record %q: %w", rec.FullHostname, err)
	}
	return nil
}

// GetHostname looks up a record by full hostname.
func (s *Store) GetHostname(fullHostname string) (*HostnameRecord, error) {
	var rec HostnameRecord
	err := s.db.First(&rec, "full_hostname = ?", fullHostname).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHostnameNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteHostname removes the record outright so the hostname can be reused.
func (s *Store) DeleteHostname(fullHostname string) error {
	return s.db.Unscoped().Delete(&HostnameRecord{}, "full_hostname = ?", fullHostname).Error
}

// HostnameFilter narrows ListHostnames. Empty fields match everything.
type HostnameFilter struct {
	OwnerProject string
	Domain       string
}

// ListHostnames returns records matching the filter, oldest first.
func (s *Store) ListHostnames(filter HostnameFilter) ([]HostnameRecord, error) {
	q := s.db.Order("created_at asc")
	if filter.OwnerProject != "" {
		q = q.Where("owner_project = ?", filter.OwnerProject)
	}
	if filter.Domain != "" {
		q = q.Where("domain = ?", filter.Domain)
	}
	var recs []HostnameRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// ListAllHostnames returns every rule for ingress file rendering.
func (s *Store) ListAllHostnames() ([]HostnameRecord, error) {
	return s.ListHostnames(HostnameFilter{})
}

// --- Health samples ---

// AppendSample records one probe observation. Samples are never mutated.
func (s *Store) AppendSample(sample *HealthSample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	return s.db.Create(sample).Error
}

// RecentSamples returns the newest samples, newest first.
func (s *Store) RecentSamples(limit int) ([]HealthSample, error) {
	if limit <= 0 {
		limit = 100
	}
	var samples []HealthSample
	if err := s.db.Order("timestamp desc, id desc").Limit(limit).Find(&samples).Error; err != nil {
		return nil, err
	}
	return samples, nil
}

// PruneSamples deletes samples older than the cutoff. Audit entries are
// deliberately not prunable through the store.
func (s *Store) PruneSamples(olderThan time.Time) (int64, error) {
	res := s.db.Where("timestamp < ?", olderThan).Delete(&HealthSample{})
	return res.RowsAffected, res.Error
}

// --- Runtime state ---

// RuntimeState returns the singleton row, creating it as healthy if the
// store is fresh.
func (s *Store) RuntimeState() (*TunnelRuntimeState, error) {
	var state TunnelRuntimeState
	err := s.db.First(&state, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = TunnelRuntimeState{ID: 1, Status: StatusHealthy, UpdatedAt: time.Now().UTC()}
		if err := s.db.Create(&state).Error; err != nil {
			return nil, err
		}
		return &state, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveRuntimeState upserts the singleton row.
func (s *Store) SaveRuntimeState(state *TunnelRuntimeState) error {
	state.ID = 1
	state.UpdatedAt = time.Now().UTC()
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "consecutive_failures", "restart_count",
			"last_restart_at", "current_backoff_seconds", "last_check", "updated_at",
		}),
	}).Create(state).Error
}

// --- Discovered domains ---

// UpsertDomain refreshes one zone's metadata without ever deleting zones
// the provider happened to omit.
func (s *Store) UpsertDomain(domainName, providerZoneID string) error {
	domain := DiscoveredDomain{
		DomainName:     domainName,
		ProviderZoneID: providerZoneID,
		RefreshedAt:    time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider_zone_id", "refreshed_at"}),
	}).Create(&domain).Error
}

// ListDomains returns the cached zone set.
func (s *Store) ListDomains() ([]DiscoveredDomain, error) {
	var domains []DiscoveredDomain
	if err := s.db.Order("domain_name asc").Find(&domains).Error; err != nil {
		return nil, err
	}
	return domains, nil
}

// GetDomain looks up a cached zone by name.
func (s *Store) GetDomain(domainName string) (*DiscoveredDomain, error) {
	var domain DiscoveredDomain
	err := s.db.First(&domain, "domain_name = ?", domainName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("domain %q is not in the discovered set", domainName)
	}
	if err != nil {
		return nil, err
	}
	return &domain, nil
}

// --- Audit log ---

// AppendAudit writes one immutable audit entry.
func (s *Store) AppendAudit(actor, action, subject string, success bool, severity AuditSeverity, reason string) error {
	entry := AuditEntry{
		EntryID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Subject:   subject,
		Success:   success,
		Severity:  severity,
		Reason:    reason,
	}
	return s.db.Create(&entry).Error
}

// ListAudit returns the most recent entries, newest first.
func (s *Store) ListAudit(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []AuditEntry
	if err := s.db.Order("timestamp desc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
