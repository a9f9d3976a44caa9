package manager

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/tunelis/internal/db"
	"github.com/atvirokodosprendimai/tunelis/internal/domains"
	"github.com/atvirokodosprendimai/tunelis/internal/lifecycle"
)

// HostnameRequest asks for a new public endpoint.
type HostnameRequest struct {
	Subdomain    string `json:"subdomain"`
	Domain       string `json:"domain,omitempty"`
	TargetPort   int    `json:"target_port"`
	OwnerProject string `json:"owner_project"`
}

// HostnameResponse reports the outcome of a hostname request.
type HostnameResponse struct {
	Success        bool   `json:"success"`
	URL            string `json:"url,omitempty"`
	TargetType     string `json:"target_type,omitempty"`
	ContainerName  string `json:"container_name,omitempty"`
	Error          string `json:"error,omitempty"`
	Message        string `json:"message,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

// DeleteRequest retires a public endpoint.
type DeleteRequest struct {
	FullHostname string `json:"full_hostname"`
	OwnerProject string `json:"owner_project"`
	IsPrivileged bool   `json:"is_privileged,omitempty"`
}

// DeleteResponse reports the outcome of a delete.
type DeleteResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

// ListRequest scopes a hostname listing.
type ListRequest struct {
	OwnerProject string `json:"owner_project,omitempty"`
	Domain       string `json:"domain,omitempty"`
	Caller       string `json:"caller"`
	IsPrivileged bool   `json:"is_privileged,omitempty"`
}

// StatusResponse is the current tunnel status projection.
type StatusResponse struct {
	Status        string    `json:"status"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	RestartCount  int       `json:"restart_count"`
	LastCheck     time.Time `json:"last_check"`
}

// Manager is the facade composing the tunnel subsystems behind the five
// operations exposed to callers.
type Manager struct {
	store     *db.Store
	lifecycle *lifecycle.Manager
	directory *domains.Directory
}

// New wires the facade.
func New(store *db.Store, lc *lifecycle.Manager, directory *domains.Directory) *Manager {
	return &Manager{store: store, lifecycle: lc, directory: directory}
}

// GetStatus projects the runtime state and the freshest sample.
func (m *Manager) GetStatus() (*StatusResponse, error) {
	state, err := m.store.RuntimeState()
	if err != nil {
		return nil, err
	}
	var uptime int64
	if samples, err := m.store.RecentSamples(1); err == nil && len(samples) > 0 {
		uptime = samples[0].ProcessUptimeSeconds
	}
	return &StatusResponse{
		Status:        string(state.Status),
		UptimeSeconds: uptime,
		RestartCount:  state.RestartCount,
		LastCheck:     state.LastCheck,
	}, nil
}

// RequestHostname provisions a public endpoint. Precondition failures are
// reported in-band with an error code and, where available, a
// recommendation the caller can act on.
func (m *Manager) RequestHostname(ctx context.Context, req HostnameRequest) HostnameResponse {
	rec, err := m.lifecycle.Create(ctx, lifecycle.CreateRequest{
		Subdomain:    req.Subdomain,
		Domain:       req.Domain,
		TargetPort:   req.TargetPort,
		OwnerProject: req.OwnerProject,
	})
	if err != nil {
		return HostnameResponse{
			Success:        false,
			Error:          lifecycle.ErrorCode(err),
			Message:        err.Error(),
			Recommendation: lifecycle.Recommendation(err),
		}
	}
	return HostnameResponse{
		Success:       true,
		URL:           "https://" + rec.FullHostname,
		TargetType:    string(rec.TargetType),
		ContainerName: rec.ContainerName,
	}
}

// DeleteHostname retires a public endpoint.
func (m *Manager) DeleteHostname(ctx context.Context, req DeleteRequest) DeleteResponse {
	if err := m.lifecycle.Delete(ctx, req.FullHostname, req.OwnerProject, req.IsPrivileged); err != nil {
		return DeleteResponse{
			Success: false,
			Error:   lifecycle.ErrorCode(err),
			Message: err.Error(),
		}
	}
	return DeleteResponse{Success: true, Message: req.FullHostname + " deleted"}
}

// ListHostnames lists records visible to the caller.
func (m *Manager) ListHostnames(req ListRequest) ([]db.HostnameRecord, error) {
	return m.lifecycle.List(db.HostnameFilter{
		OwnerProject: req.OwnerProject,
		Domain:       req.Domain,
	}, req.Caller, req.IsPrivileged)
}

// ListDomains returns the cached zone set.
func (m *Manager) ListDomains() ([]db.DiscoveredDomain, error) {
	return m.directory.List()
}

// DiscoverDomains refreshes the zone cache from the provider.
func (m *Manager) DiscoverDomains(ctx context.Context) ([]db.DiscoveredDomain, error) {
	return m.directory.Discover(ctx)
}
