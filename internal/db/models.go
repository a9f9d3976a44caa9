package db

import (
	"time"
)

// TargetType says how the tunnel reaches a backend service.
type TargetType string

const (
	TargetLocalhost TargetType = "localhost"
	TargetContainer TargetType = "container"
)

// TunnelStatus is the current state of the managed tunnel process.
type TunnelStatus string

const (
	StatusHealthy    TunnelStatus = "healthy"
	StatusDegraded   TunnelStatus = "degraded"
	StatusDown       TunnelStatus = "down"
	StatusRecovering TunnelStatus = "recovering"
)

// ObservedStatus is the outcome of a single liveness probe.
type ObservedStatus string

const (
	ObservedUp   ObservedStatus = "up"
	ObservedDown ObservedStatus = "down"
)

// AuditSeverity distinguishes routine entries from ones that need a human.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityCritical AuditSeverity = "critical"
)

// HostnameRecord is a provisioned public endpoint. A row exists only after
// both the DNS provider and the ingress file confirmed the hostname, so a
// reader never sees a half-provisioned endpoint. Deleted rows are removed
// outright to free the unique hostname for reuse.
type HostnameRecord struct {
	ID            uint   `gorm:"primarykey"`
	FullHostname  string `gorm:"uniqueIndex"`
	Subdomain     string
	Domain        string
	OwnerProject  string `gorm:"index"`
	TargetPort    int
	TargetType    TargetType
	ContainerName string // set iff TargetType == TargetContainer
	DNSRecordID   string
	ZoneID        string
	CreatedAt     time.Time
}

// HealthSample is one liveness observation. Append-only.
type HealthSample struct {
	ID                   uint      `gorm:"primarykey"`
	Timestamp            time.Time `gorm:"index"`
	ObservedStatus       ObservedStatus
	ConsecutiveFailures  int
	ProcessUptimeSeconds int64
}

// TunnelRuntimeState is the single current-status projection for the
// tunnel process. Exactly one row (ID 1); only the health monitor writes it.
type TunnelRuntimeState struct {
	ID                    uint `gorm:"primarykey"`
	Status                TunnelStatus
	ConsecutiveFailures   int
	RestartCount          int
	LastRestartAt         *time.Time
	CurrentBackoffSeconds int
	LastCheck             time.Time
	UpdatedAt             time.Time
}

// DiscoveredDomain is a DNS zone the account controls. A cache, not the
// source of truth; the provider is authoritative.
type DiscoveredDomain struct {
	ID             uint   `gorm:"primarykey"`
	DomainName     string `gorm:"uniqueIndex"`
	ProviderZoneID string
	RefreshedAt    time.Time
}

// AuditEntry records every mutating operation, successful or not.
// Append-only; never deleted by normal operation.
type AuditEntry struct {
	ID        uint   `gorm:"primarykey"`
	EntryID   string `gorm:"uniqueIndex"`
	Timestamp time.Time
	Actor     string
	Action    string
	Subject   string
	Success   bool
	Severity  AuditSeverity
	Reason    string
}
