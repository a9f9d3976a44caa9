package domains

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/tunelis/internal/db"
	"github.com/atvirokodosprendimai/tunelis/internal/dnscf"
	"github.com/atvirokodosprendimai/tunelis/internal/logger"
)

// ZoneLister is the slice of the DNS provider the directory needs.
type ZoneLister interface {
	ListZones(ctx context.Context) ([]dnscf.Zone, error)
}

// Directory caches the DNS zones the account controls. The provider stays
// authoritative; the cache only avoids a provider round-trip per request.
type Directory struct {
	store    *db.Store
	provider ZoneLister
	log      logger.Logger
}

// NewDirectory creates a directory over the given provider.
func NewDirectory(store *db.Store, provider ZoneLister, log logger.Logger) *Directory {
	return &Directory{store: store, provider: provider, log: log}
}

// Discover refreshes the cached zone set from the provider. Zones the
// provider omits are kept: a missing zone within a single call is treated
// as a transient provider issue, never a deletion.
func (d *Directory) Discover(ctx context.Context) ([]db.DiscoveredDomain, error) {
	zones, err := d.provider.ListZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("zone discovery failed: %w", err)
	}

	for _, zone := range zones {
		if err := d.store.UpsertDomain(zone.Name, zone.ID); err != nil {
			return nil, fmt.Errorf("could not cache zone %q: %w", zone.Name, err)
		}
	}
	d.log.Infof("discovered %d DNS zones", len(zones))

	return d.store.ListDomains()
}

// List returns the cached zone set without touching the provider.
func (d *Directory) List() ([]db.DiscoveredDomain, error) {
	return d.store.ListDomains()
}

// Zone resolves a domain name to its cached provider zone, falling back
// to a discovery call on a cache miss.
func (d *Directory) Zone(ctx context.Context, domainName string) (*db.DiscoveredDomain, error) {
	domain, err := d.store.GetDomain(domainName)
	if err == nil {
		return domain, nil
	}
	if _, err := d.Discover(ctx); err != nil {
		return nil, err
	}
	return d.store.GetDomain(domainName)
}

// Default returns the only cached domain when exactly one exists. Used
// when a hostname request omits the domain.
func (d *Directory) Default() (*db.DiscoveredDomain, error) {
	domains, err := d.store.ListDomains()
	if err != nil {
		return nil, err
	}
	switch len(domains) {
	case 0:
		return nil, fmt.Errorf("no DNS zones discovered yet, run discovery or specify a domain")
	case 1:
		return &domains[0], nil
	default:
		return nil, fmt.Errorf("%d DNS zones available, a domain must be specified", len(domains))
	}
}
