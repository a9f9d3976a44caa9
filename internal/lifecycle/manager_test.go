package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/atvirokodosprendimai/tunelis/internal/db"
	"github.com/atvirokodosprendimai/tunelis/internal/dnscf"
	"github.com/atvirokodosprendimai/tunelis/internal/domains"
	"github.com/atvirokodosprendimai/tunelis/internal/ingress"
	"github.com/atvirokodosprendimai/tunelis/internal/logger"
	"github.com/atvirokodosprendimai/tunelis/internal/topology"
)

type fakePorts struct {
	owners map[int]string
}

func (f *fakePorts) IsPortOwnedBy(port int, ownerProject string) (bool, error) {
	return f.owners[port] == ownerProject, nil
}

type fakeRoutes struct {
	decision topology.RouteDecision
	err      error
}

func (f *fakeRoutes) Resolve(ctx context.Context, targetPort int) (topology.RouteDecision, error) {
	return f.decision, f.err
}

type fakeDNS struct {
	mu        sync.Mutex
	records   map[string]string // recordID -> name
	createErr error
	deleteErr error
}

func newFakeDNS() *fakeDNS {
	return &fakeDNS{records: make(map[string]string)}
}

func (f *fakeDNS) CreateRecord(ctx context.Context, zoneID, name, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	id := "rec-" + name
	f.records[id] = name
	return id, nil
}

func (f *fakeDNS) DeleteRecord(ctx context.Context, zoneID, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.records, recordID)
	return nil
}

func (f *fakeDNS) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeIngress struct {
	mu        sync.Mutex
	rules     map[string]string
	addErr    error
	reloadErr error
	applies   int
}

func newFakeIngress() *fakeIngress {
	return &fakeIngress{rules: make(map[string]string)}
}

func (f *fakeIngress) AddRule(hostname, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	if f.reloadErr != nil {
		// Mirror the real writer: a failed reload rolls the rule back
		// before the error is returned.
		return f.reloadErr
	}
	f.rules[hostname] = service
	f.applies++
	return nil
}

func (f *fakeIngress) RemoveRule(hostname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, hostname)
	f.applies++
	return nil
}

func (f *fakeIngress) hasRule(hostname string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rules[hostname]
	return ok
}

type staticZones struct{}

func (staticZones) ListZones(ctx context.Context) ([]dnscf.Zone, error) {
	return []dnscf.Zone{{ID: "zone-1", Name: "example.com"}}, nil
}

type harness struct {
	manager *Manager
	store   *db.Store
	dns     *fakeDNS
	ingress *fakeIngress
	routes  *fakeRoutes
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gormDB, err := db.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("could not open in-memory store: %v", err)
	}
	store := db.NewStore(gormDB)

	directory := domains.NewDirectory(store, staticZones{}, logger.Nop())
	if _, err := directory.Discover(context.Background()); err != nil {
		t.Fatalf("seed discovery failed: %v", err)
	}

	dns := newFakeDNS()
	ing := newFakeIngress()
	routes := &fakeRoutes{decision: topology.RouteDecision{Kind: topology.RouteLocalhost}}
	ports := &fakePorts{owners: map[int]string{5000: "billing", 6000: "payments"}}

	m := NewManager(store, ports, routes, dns, ing, directory, nil, "tunnel-1.cfargotunnel.com", logger.Nop())
	return &harness{manager: m, store: store, dns: dns, ingress: ing, routes: routes}
}

func TestCreateHappyPathLocalhostRoute(t *testing.T) {
	h := newHarness(t)

	rec, err := h.manager.Create(context.Background(), CreateRequest{
		Subdomain:    "api",
		TargetPort:   5000,
		OwnerProject: "billing",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.FullHostname != "api.example.com" {
		t.Errorf("unexpected hostname %q", rec.FullHostname)
	}
	if rec.TargetType != db.TargetLocalhost {
		t.Errorf("expected localhost target, got %q", rec.TargetType)
	}
	if !h.ingress.hasRule("api.example.com") {
		t.Error("ingress rule missing after create")
	}
	if h.dns.recordCount() != 1 {
		t.Errorf("expected 1 DNS record, got %d", h.dns.recordCount())
	}
	if h.ingress.applies != 1 {
		t.Errorf("expected 1 ingress update, got %d", h.ingress.applies)
	}
}

func TestCreateContainerRouteRecordsContainerName(t *testing.T) {
	h := newHarness(t)
	h.routes.decision = topology.RouteDecision{
		Kind:          topology.RouteContainer,
		ContainerName: "billing-api",
		ServicePort:   8080,
	}

	rec, err := h.manager.Create(context.Background(), CreateRequest{
		Subdomain:    "api",
		TargetPort:   5000,
		OwnerProject: "billing",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.TargetType != db.TargetContainer || rec.ContainerName != "billing-api" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestCreateRejectsUnownedPort(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Create(context.Background(), CreateRequest{
		Subdomain:    "api",
		TargetPort:   5000,
		OwnerProject: "payments",
	})
	if !errors.Is(err, ErrPortNotOwned) {
		t.Fatalf("expected ErrPortNotOwned, got %v", err)
	}
	if ErrorCode(err) != "PortNotOwned" {
		t.Errorf("unexpected error code %q", ErrorCode(err))
	}
	if h.dns.recordCount() != 0 {
		t.Error("precondition failure must not touch the DNS provider")
	}
}

func TestCreateRejectsHostnameInUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Create(ctx, CreateRequest{Subdomain: "api", TargetPort: 5000, OwnerProject: "billing"}); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	_, err := h.manager.Create(ctx, CreateRequest{Subdomain: "api", TargetPort: 6000, OwnerProject: "payments"})
	if !errors.Is(err, ErrHostnameInUse) {
		t.Fatalf("expected ErrHostnameInUse, got %v", err)
	}
}

func TestCreateRejectsUnreachableWithRecommendation(t *testing.T) {
	h := newHarness(t)
	h.routes.decision = topology.RouteDecision{
		Kind:           topology.RouteUnreachable,
		Reason:         "no shared network",
		Recommendation: `attach the tunnel container to network "backend"`,
	}

	_, err := h.manager.Create(context.Background(), CreateRequest{
		Subdomain:    "api",
		TargetPort:   5000,
		OwnerProject: "billing",
	})
	if ErrorCode(err) != "ServiceUnreachable" {
		t.Fatalf("expected ServiceUnreachable, got %v", err)
	}
	if Recommendation(err) == "" {
		t.Error("expected a recommendation on the unreachable error")
	}
	if h.dns.recordCount() != 0 {
		t.Error("unreachable must not touch the DNS provider")
	}
}

func TestCreateDNSFailureHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	h.dns.createErr = errors.New("provider timeout")

	_, err := h.manager.Create(context.Background(), CreateRequest{
		Subdomain:    "api",
		TargetPort:   5000,
		OwnerProject: "billing",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if h.ingress.hasRule("api.example.com") {
		t.Error("ingress must be untouched after a DNS failure")
	}
	if _, err := h.store.GetHostname("api.example.com"); !errors.Is(err, db.ErrHostnameNotFound) {
		t.Error("no record may be persisted after a DNS failure")
	}
}

func TestCreateIngressFailureCompensatesDNS(t *testing.T) {
	h := newHarness(t)
	h.ingress.addErr = errors.New("disk full")

	_, err := h.manager.Create(context.Background(), CreateRequest{
		Subdomain:    "api",
		TargetPort:   5000,
		OwnerProject: "billing",
	})
	if err == nil {
		t.Fatal("expected error")
	}

	// No-orphan invariant: neither the DNS record nor the rule remains.
	if h.dns.recordCount() != 0 {
		t.Error("DNS record not compensated after ingress failure")
	}
	if h.ingress.hasRule("api.example.com") {
		t.Error("ingress rule present after failed create")
	}
	if _, err := h.store.GetHostname("api.example.com"); !errors.Is(err, db.ErrHostnameNotFound) {
		t.Error("record persisted after failed create")
	}
}

func TestCreateReloadFailureCompensatesDNS(t *testing.T) {
	h := newHarness(t)
	h.ingress.reloadErr = errors.New("tunnel did not ack")

	_, err := h.manager.Create(context.Background(), CreateRequest{
		Subdomain:    "api",
		TargetPort:   5000,
		OwnerProject: "billing",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if h.dns.recordCount() != 0 {
		t.Error("DNS record not compensated after reload failure")
	}
	if _, err := h.store.GetHostname("api.example.com"); !errors.Is(err, db.ErrHostnameNotFound) {
		t.Error("record persisted after failed create")
	}
}

func TestConcurrentCreatesExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.manager.Create(ctx, CreateRequest{
				Subdomain:    "api",
				TargetPort:   5000,
				OwnerProject: "billing",
			})
		}(i)
	}
	wg.Wait()

	var successes, inUse int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrHostnameInUse):
			inUse++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly one success, got %d", successes)
	}
	if inUse != callers-1 {
		t.Errorf("expected %d HostnameInUse losers, got %d", callers-1, inUse)
	}
	if h.dns.recordCount() != 1 {
		t.Errorf("expected exactly one DNS record, got %d", h.dns.recordCount())
	}
}

func TestDeleteRequiresOwnershipOrPrivilege(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Create(ctx, CreateRequest{Subdomain: "api", TargetPort: 5000, OwnerProject: "billing"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := h.manager.Delete(ctx, "api.example.com", "ops", false)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := h.store.GetHostname("api.example.com"); err != nil {
		t.Error("record must survive a rejected delete")
	}

	if err := h.manager.Delete(ctx, "api.example.com", "ops", true); err != nil {
		t.Fatalf("privileged delete failed: %v", err)
	}
	if _, err := h.store.GetHostname("api.example.com"); !errors.Is(err, db.ErrHostnameNotFound) {
		t.Error("record must be gone after privileged delete")
	}
	if h.dns.recordCount() != 0 {
		t.Error("DNS record must be gone after delete")
	}
	if h.ingress.hasRule("api.example.com") {
		t.Error("ingress rule must be gone after delete")
	}
}

func TestDeleteDNSFailureKeepsRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Create(ctx, CreateRequest{Subdomain: "api", TargetPort: 5000, OwnerProject: "billing"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.dns.deleteErr = errors.New("provider timeout")
	if err := h.manager.Delete(ctx, "api.example.com", "billing", false); err == nil {
		t.Fatal("expected delete error")
	}
	// The stored record survives so the operation can be resubmitted.
	if _, err := h.store.GetHostname("api.example.com"); err != nil {
		t.Error("record must survive a partially failed delete")
	}
}

func TestListScopesNonPrivilegedCallers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Create(ctx, CreateRequest{Subdomain: "api", TargetPort: 5000, OwnerProject: "billing"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := h.manager.Create(ctx, CreateRequest{Subdomain: "shop", TargetPort: 6000, OwnerProject: "payments"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A non-privileged caller asking for someone else's project still
	// only sees its own records.
	recs, err := h.manager.List(db.HostnameFilter{OwnerProject: "payments"}, "billing", false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 1 || recs[0].OwnerProject != "billing" {
		t.Errorf("non-privileged list not scoped to caller: %+v", recs)
	}

	recs, err = h.manager.List(db.HostnameFilter{}, "ops", true)
	if err != nil {
		t.Fatalf("privileged List failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("privileged list should see everything, got %d", len(recs))
	}
}

func TestListRejectsAnonymousNonPrivilegedCaller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Create(ctx, CreateRequest{Subdomain: "api", TargetPort: 5000, OwnerProject: "billing"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Without a caller project there is nothing to scope to; the listing
	// must be refused rather than fall through to match-all.
	_, err := h.manager.List(db.HostnameFilter{}, "", false)
	if !errors.Is(err, ErrCallerRequired) {
		t.Fatalf("expected ErrCallerRequired, got %v", err)
	}

	// Privileged callers may stay anonymous.
	recs, err := h.manager.List(db.HostnameFilter{}, "", true)
	if err != nil {
		t.Fatalf("privileged List failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("privileged list should see all records, got %d", len(recs))
	}
}

func TestConcurrentCreatesFailureDoesNotOrphanTheOther(t *testing.T) {
	// Two creates for different hostnames run concurrently against the
	// real ingress writer; the one for "alpha" fails its reload. The
	// failed create must end with neither DNS record nor live rule, and
	// the successful one must end with both: a rollback may only undo
	// the operation it belongs to.
	gormDB, err := db.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("could not open in-memory store: %v", err)
	}
	store := db.NewStore(gormDB)
	directory := domains.NewDirectory(store, staticZones{}, logger.Nop())
	if _, err := directory.Discover(context.Background()); err != nil {
		t.Fatalf("seed discovery failed: %v", err)
	}
	dns := newFakeDNS()
	ports := &fakePorts{owners: map[int]string{5000: "billing", 6000: "payments"}}
	routes := &fakeRoutes{decision: topology.RouteDecision{Kind: topology.RouteLocalhost}}

	path := filepath.Join(t.TempDir(), "config.yml")
	reloadErr := errors.New("tunnel rejected config")
	writer, err := ingress.NewWriter(path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if strings.Contains(string(data), "alpha.example.com") {
			return reloadErr
		}
		return nil
	})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	m := NewManager(store, ports, routes, dns, writer, directory, nil, "tunnel-1.cfargotunnel.com", logger.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	var alphaErr, betaErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, alphaErr = m.Create(ctx, CreateRequest{Subdomain: "alpha", TargetPort: 5000, OwnerProject: "billing"})
	}()
	go func() {
		defer wg.Done()
		_, betaErr = m.Create(ctx, CreateRequest{Subdomain: "beta", TargetPort: 6000, OwnerProject: "payments"})
	}()
	wg.Wait()

	if alphaErr == nil {
		t.Fatal("expected alpha's create to fail")
	}
	if betaErr != nil {
		t.Fatalf("beta's create must not be affected: %v", betaErr)
	}

	// No-orphan invariant for alpha: nothing external, nothing stored.
	if _, err := store.GetHostname("alpha.example.com"); !errors.Is(err, db.ErrHostnameNotFound) {
		t.Error("alpha's record must not be persisted")
	}
	// Everything for beta: record, DNS, and a live rule.
	if _, err := store.GetHostname("beta.example.com"); err != nil {
		t.Errorf("beta's record missing: %v", err)
	}
	if dns.recordCount() != 1 {
		t.Errorf("expected only beta's DNS record, got %d", dns.recordCount())
	}
	live, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("could not read live ingress file: %v", err)
	}
	if !strings.Contains(string(live), "beta.example.com") {
		t.Error("beta's rule missing from the live ingress file")
	}
	if strings.Contains(string(live), "alpha.example.com") {
		t.Error("alpha's rolled-back rule is live in the ingress file")
	}
}

func TestMutatingOperationsAreAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.manager.Create(ctx, CreateRequest{Subdomain: "api", TargetPort: 5000, OwnerProject: "billing"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.manager.Create(ctx, CreateRequest{Subdomain: "api", TargetPort: 5000, OwnerProject: "billing"}) // HostnameInUse
	if err := h.manager.Delete(ctx, "api.example.com", "billing", false); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	entries, err := h.store.ListAudit(10)
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}
	var failures int
	for _, e := range entries {
		if !e.Success {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("expected 1 failed entry, got %d", failures)
	}
}

func TestCompensationFailureIsRecordedCritically(t *testing.T) {
	h := newHarness(t)
	h.ingress.addErr = errors.New("disk full")
	h.dns.deleteErr = errors.New("provider down")

	_, err := h.manager.Create(context.Background(), CreateRequest{
		Subdomain:    "api",
		TargetPort:   5000,
		OwnerProject: "billing",
	})
	if err == nil {
		t.Fatal("expected error")
	}

	entries, listErr := h.store.ListAudit(10)
	if listErr != nil {
		t.Fatalf("ListAudit failed: %v", listErr)
	}
	var critical int
	for _, e := range entries {
		if e.Severity == db.SeverityCritical {
			critical++
		}
	}
	if critical != 1 {
		t.Errorf("expected one critical audit entry for failed compensation, got %d", critical)
	}
}
