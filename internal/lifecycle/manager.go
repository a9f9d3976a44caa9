package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atvirokodosprendimai/tunelis/internal/db"
	"github.com/atvirokodosprendimai/tunelis/internal/domains"
	"github.com/atvirokodosprendimai/tunelis/internal/logger"
	"github.com/atvirokodosprendimai/tunelis/internal/topology"
)

// PortRegistry is the external port-allocation authority.
type PortRegistry interface {
	IsPortOwnedBy(port int, ownerProject string) (bool, error)
}

// RouteResolver answers how the tunnel reaches a target port.
type RouteResolver interface {
	Resolve(ctx context.Context, targetPort int) (topology.RouteDecision, error)
}

// DNSProvider is the slice of the DNS API the lifecycle needs.
type DNSProvider interface {
	CreateRecord(ctx context.Context, zoneID, name, target string) (string, error)
	DeleteRecord(ctx context.Context, zoneID, recordID string) error
}

// IngressWriter owns the tunnel's routing-rule file. Each call applies
// the change and reloads the tunnel as one serialized unit; on error the
// file is back in the state the call found it in.
type IngressWriter interface {
	AddRule(hostname, service string) error
	RemoveRule(hostname string) error
}

// Notifier announces completed lifecycle operations. Implementations must
// not block.
type Notifier interface {
	HostnameCreated(fullHostname, ownerProject, targetType string)
	HostnameDeleted(fullHostname, ownerProject string)
}

// Manager orchestrates provisioning and retiring public hostnames. The
// store is updated only after every external confirmation, never before,
// so readers cannot observe a half-provisioned endpoint.
type Manager struct {
	store     *db.Store
	ports     PortRegistry
	routes    RouteResolver
	dns       DNSProvider
	ingress   IngressWriter
	directory *domains.Directory
	notifier  Notifier
	log       logger.Logger

	// tunnelTarget is the CNAME content every hostname points at, e.g.
	// "<tunnel-id>.cfargotunnel.com".
	tunnelTarget string

	// Mutations for the same full hostname are serialized; first writer
	// wins. Different hostnames proceed independently.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager wires the lifecycle orchestrator.
func NewManager(store *db.Store, ports PortRegistry, routes RouteResolver, dns DNSProvider, ingress IngressWriter, directory *domains.Directory, notifier Notifier, tunnelTarget string, log logger.Logger) *Manager {
	return &Manager{
		store:        store,
		ports:        ports,
		routes:       routes,
		dns:          dns,
		ingress:      ingress,
		directory:    directory,
		notifier:     notifier,
		tunnelTarget: tunnelTarget,
		log:          log,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (m *Manager) hostnameLock(fullHostname string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[fullHostname]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[fullHostname] = mu
	}
	return mu
}

// CreateRequest describes a new public endpoint.
type CreateRequest struct {
	Subdomain    string
	Domain       string // optional when exactly one zone is discovered
	TargetPort   int
	OwnerProject string
}

// Create provisions a public hostname: ownership check, route resolution,
// DNS record, ingress rule, reload, then persistence. A DNS failure
// aborts with no side effects; an ingress failure after DNS success is
// compensated by deleting the just-created DNS record, so a DNS record
// never points at a hostname with no local routing rule.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*db.HostnameRecord, error) {
	domain := req.Domain
	if domain == "" {
		def, err := m.directory.Default()
		if err != nil {
			return nil, err
		}
		domain = def.DomainName
	}
	fullHostname := req.Subdomain + "." + domain

	mu := m.hostnameLock(fullHostname)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.create(ctx, req, domain, fullHostname)
	if err != nil {
		m.audit(req.OwnerProject, "hostname.create", fullHostname, false, db.SeverityInfo, err.Error())
		return nil, err
	}
	m.audit(req.OwnerProject, "hostname.create", fullHostname, true, db.SeverityInfo, "")
	if m.notifier != nil {
		m.notifier.HostnameCreated(rec.FullHostname, rec.OwnerProject, string(rec.TargetType))
	}
	return rec, nil
}

func (m *Manager) create(ctx context.Context, req CreateRequest, domain, fullHostname string) (*db.HostnameRecord, error) {
	// Precondition 1: port ownership.
	owned, err := m.ports.IsPortOwnedBy(req.TargetPort, req.OwnerProject)
	if err != nil {
		return nil, fmt.Errorf("port registry unavailable: %w", err)
	}
	if !owned {
		return nil, fmt.Errorf("port %d: %w", req.TargetPort, ErrPortNotOwned)
	}

	// Precondition 2: hostname free.
	if _, err := m.store.GetHostname(fullHostname); err == nil {
		return nil, fmt.Errorf("%s: %w", fullHostname, ErrHostnameInUse)
	} else if !errors.Is(err, db.ErrHostnameNotFound) {
		return nil, err
	}

	// Precondition 3: a verified route exists.
	decision, err := m.routes.Resolve(ctx, req.TargetPort)
	if err != nil {
		return nil, fmt.Errorf("topology inspection failed: %w", err)
	}
	if decision.Kind == topology.RouteUnreachable {
		return nil, &UnreachableError{Reason: decision.Reason, Recommendation: decision.Recommendation}
	}

	zone, err := m.directory.Zone(ctx, domain)
	if err != nil {
		return nil, err
	}

	// External step 1: DNS. Failure here aborts with no side effects.
	recordID, err := m.dns.CreateRecord(ctx, zone.ProviderZoneID, fullHostname, m.tunnelTarget)
	if err != nil {
		return nil, fmt.Errorf("DNS record creation failed: %w", err)
	}

	// External step 2: ingress rule + reload, applied atomically by the
	// writer. Failure compensates by removing the DNS record just
	// created; the writer has already restored the rule file.
	service := decision.ServiceURL(req.TargetPort)
	if err := m.ingress.AddRule(fullHostname, service); err != nil {
		m.compensateDNS(ctx, zone.ProviderZoneID, recordID, fullHostname)
		return nil, fmt.Errorf("ingress update failed: %w", err)
	}

	rec := &db.HostnameRecord{
		FullHostname:  fullHostname,
		Subdomain:     req.Subdomain,
		Domain:        domain,
		OwnerProject:  req.OwnerProject,
		TargetPort:    req.TargetPort,
		TargetType:    db.TargetType(decision.Kind),
		ContainerName: decision.ContainerName,
		DNSRecordID:   recordID,
		ZoneID:        zone.ProviderZoneID,
	}
	if err := m.store.CreateHostname(rec); err != nil {
		// Both externals confirmed but the record cannot be persisted.
		m.audit(req.OwnerProject, "hostname.create", fullHostname, false, db.SeverityCritical,
			fmt.Sprintf("externals confirmed but record not persisted, manual reconciliation needed: %v", err))
		return nil, err
	}
	return rec, nil
}

// compensateDNS reverses a DNS creation after a later step failed. If the
// compensation itself fails the inconsistency is recorded loudly for
// manual reconciliation; there is nothing left to self-heal with.
func (m *Manager) compensateDNS(ctx context.Context, zoneID, recordID, fullHostname string) {
	if err := m.dns.DeleteRecord(ctx, zoneID, recordID); err != nil {
		m.log.Error("compensating DNS delete failed, manual reconciliation needed",
			logger.String("hostname", fullHostname),
			logger.String("record_id", recordID),
			logger.Error(err))
		m.audit("tunelis", "hostname.compensate", fullHostname, false, db.SeverityCritical,
			fmt.Sprintf("orphaned DNS record %s in zone %s: %v", recordID, zoneID, err))
		return
	}
	m.log.Info("compensated partial hostname creation", logger.String("hostname", fullHostname))
}

// Delete retires a public hostname in reverse order of creation: ingress
// rule first, DNS record second, stored record last. A partial failure
// leaves the endpoint still publicly reachable rather than DNS-orphaned.
func (m *Manager) Delete(ctx context.Context, fullHostname, requestingOwner string, isPrivileged bool) error {
	mu := m.hostnameLock(fullHostname)
	mu.Lock()
	defer mu.Unlock()

	err := m.delete(ctx, fullHostname, requestingOwner, isPrivileged)
	if err != nil {
		m.audit(requestingOwner, "hostname.delete", fullHostname, false, db.SeverityInfo, err.Error())
		return err
	}
	m.audit(requestingOwner, "hostname.delete", fullHostname, true, db.SeverityInfo, "")
	if m.notifier != nil {
		m.notifier.HostnameDeleted(fullHostname, requestingOwner)
	}
	return nil
}

func (m *Manager) delete(ctx context.Context, fullHostname, requestingOwner string, isPrivileged bool) error {
	rec, err := m.store.GetHostname(fullHostname)
	if err != nil {
		return err
	}
	if !isPrivileged && rec.OwnerProject != requestingOwner {
		return fmt.Errorf("%s is owned by %s: %w", fullHostname, rec.OwnerProject, ErrNotOwner)
	}

	if err := m.ingress.RemoveRule(fullHostname); err != nil {
		return fmt.Errorf("ingress rule removal failed: %w", err)
	}

	if err := m.dns.DeleteRecord(ctx, rec.ZoneID, rec.DNSRecordID); err != nil {
		return fmt.Errorf("DNS record deletion failed: %w", err)
	}

	if err := m.store.DeleteHostname(fullHostname); err != nil {
		m.audit(requestingOwner, "hostname.delete", fullHostname, false, db.SeverityCritical,
			fmt.Sprintf("externals removed but record not deleted, manual reconciliation needed: %v", err))
		return err
	}
	return nil
}

// List returns hostname records scoped by privilege: non-privileged
// callers always see only their own project, whatever filter they asked
// for. An anonymous non-privileged caller is rejected outright, since an
// empty owner filter would match every project.
func (m *Manager) List(filter db.HostnameFilter, requestingOwner string, isPrivileged bool) ([]db.HostnameRecord, error) {
	if !isPrivileged {
		if requestingOwner == "" {
			return nil, ErrCallerRequired
		}
		filter.OwnerProject = requestingOwner
	}
	return m.store.ListHostnames(filter)
}

func (m *Manager) audit(actor, action, subject string, success bool, severity db.AuditSeverity, reason string) {
	if err := m.store.AppendAudit(actor, action, subject, success, severity, reason); err != nil {
		m.log.Error("could not record audit entry",
			logger.String("action", action),
			logger.String("subject", subject),
			logger.Error(err))
	}
}
