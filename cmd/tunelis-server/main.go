package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/urfave/cli/v3"

	"github.com/atvirokodosprendimai/tunelis/internal/db"
	"github.com/atvirokodosprendimai/tunelis/internal/dnscf"
	"github.com/atvirokodosprendimai/tunelis/internal/domains"
	"github.com/atvirokodosprendimai/tunelis/internal/events"
	"github.com/atvirokodosprendimai/tunelis/internal/health"
	"github.com/atvirokodosprendimai/tunelis/internal/ingress"
	"github.com/atvirokodosprendimai/tunelis/internal/lifecycle"
	"github.com/atvirokodosprendimai/tunelis/internal/logger"
	"github.com/atvirokodosprendimai/tunelis/internal/manager"
	"github.com/atvirokodosprendimai/tunelis/internal/portreg"
	"github.com/atvirokodosprendimai/tunelis/internal/restart"
	"github.com/atvirokodosprendimai/tunelis/internal/topology"
	"github.com/atvirokodosprendimai/tunelis/internal/vault"
)

func main() {
	cmd := &cli.Command{
		Name:  "tunelis-server",
		Usage: "Shared tunnel manager: public hostnames over one outbound tunnel.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the tunnel manager",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "http-addr", Value: "0.0.0.0:8080", Usage: "HTTP server bind address"},
					&cli.StringFlag{Name: "db-path", Value: "tunelis.db", Usage: "Path to the SQLite state store"},
					&cli.StringFlag{Name: "nats-addr", Value: "0.0.0.0:4222", Usage: "Embedded NATS bind address (host:port)"},
					&cli.StringFlag{Name: "ingress-file", Value: "/etc/cloudflared/config.yml", Usage: "Path to the tunnel ingress rule file"},
					&cli.StringFlag{Name: "tunnel-pidfile", Value: "/var/run/cloudflared.pid", Usage: "Pidfile of the tunnel process (for graceful reload)"},
					&cli.StringFlag{Name: "tunnel-container", Value: "cloudflared", Usage: "Name of the tunnel's container (empty if the tunnel runs on the host)"},
					&cli.StringFlag{Name: "tunnel-metrics-url", Value: "http://127.0.0.1:2000/ready", Usage: "Tunnel liveness endpoint"},
					&cli.StringFlag{Name: "tunnel-target", Required: true, Usage: "CNAME target of the tunnel, e.g. <id>.cfargotunnel.com"},
					&cli.StringFlag{Name: "dns-api-url", Value: "https://api.cloudflare.com/client/v4", Usage: "DNS provider API base URL"},
					&cli.StringFlag{Name: "vault-addr", Value: "http://127.0.0.1:8200", Usage: "Secrets vault base URL"},
					&cli.StringFlag{Name: "dns-token-path", Value: "tunnel/dns-api-token", Usage: "Vault path of the DNS API token"},
					&cli.StringFlag{Name: "port-registry-socket", Value: "/var/run/portreg.sock", Usage: "Unix socket of the port-allocation registry"},
					&cli.DurationFlag{Name: "poll-interval", Value: 30 * time.Second, Usage: "Tunnel health poll interval"},
					&cli.DurationFlag{Name: "probe-timeout", Value: 5 * time.Second, Usage: "Timeout for a single liveness probe"},
					&cli.DurationFlag{Name: "dns-timeout", Value: 30 * time.Second, Usage: "Timeout for DNS provider calls"},
					&cli.DurationFlag{Name: "docker-timeout", Value: 10 * time.Second, Usage: "Timeout for container runtime calls"},
					&cli.DurationFlag{Name: "topology-ttl", Value: 15 * time.Second, Usage: "How long a topology snapshot stays fresh"},
					&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error"},
					&cli.BoolFlag{Name: "pretty-log", Value: false, Usage: "Colorized development logging"},
				},
				Action: runServer,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	logg := logger.New(cmd.Value("log-level").(string), cmd.Value("pretty-log").(bool))
	defer logg.Sync()
	logg.Info("starting tunelis server")

	// 1. State store
	gormDB, err := db.NewDatabase(cmd.Value("db-path").(string))
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}
	store := db.NewStore(gormDB)

	// 2. DNS provider credential from the vault, once at startup
	vaultClient := vault.NewClient(cmd.Value("vault-addr").(string), 10*time.Second)
	dnsToken, err := vaultClient.GetCredential(cmd.Value("dns-token-path").(string))
	if err != nil {
		return fmt.Errorf("failed to obtain DNS API token: %w", err)
	}
	dnsClient := dnscf.NewClient(cmd.Value("dns-api-url").(string), dnsToken, cmd.Value("dns-timeout").(time.Duration))

	// 3. Domain directory, seeded best-effort
	directory := domains.NewDirectory(store, dnsClient, logg)
	if _, err := directory.Discover(ctx); err != nil {
		logg.Warn("initial zone discovery failed, serving cached zones", logger.Error(err))
	}

	// 4. Topology inspector
	tunnelContainer := cmd.Value("tunnel-container").(string)
	inspector, err := topology.NewInspector(tunnelContainer,
		cmd.Value("topology-ttl").(time.Duration),
		cmd.Value("docker-timeout").(time.Duration))
	if err != nil {
		return fmt.Errorf("failed to create topology inspector: %w", err)
	}

	// 5. Ingress config writer
	writer, err := ingress.NewWriter(cmd.Value("ingress-file").(string),
		ingress.SignalReloader(cmd.Value("tunnel-pidfile").(string)))
	if err != nil {
		return fmt.Errorf("failed to initialize ingress writer: %w", err)
	}

	// 6. Embedded NATS event bus
	natsHost, natsPort, err := net.SplitHostPort(cmd.Value("nats-addr").(string))
	if err != nil {
		return fmt.Errorf("invalid nats-addr format: %w", err)
	}
	natsPortInt, err := strconv.Atoi(natsPort)
	if err != nil {
		return fmt.Errorf("invalid nats-addr port %q: %w", natsPort, err)
	}
	ns, err := server.NewServer(&server.Options{Host: natsHost, Port: natsPortInt})
	if err != nil {
		return fmt.Errorf("could not start embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		return fmt.Errorf("embedded NATS server did not become ready")
	}
	nc, err := events.Connect(ns.ClientURL())
	if err != nil {
		return fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}
	defer nc.Close()
	bus := events.NewBus(nc, logg)
	logg.Info("embedded NATS server started", logger.String("addr", cmd.Value("nats-addr").(string)))

	// 7. Health monitor and restart controller
	restarter, err := restart.NewDockerRestarter(tunnelContainer, cmd.Value("docker-timeout").(time.Duration))
	if err != nil {
		return fmt.Errorf("failed to create tunnel restarter: %w", err)
	}
	controller := restart.NewController(restarter, store, logg)
	prober := health.NewHTTPProber(cmd.Value("tunnel-metrics-url").(string), cmd.Value("probe-timeout").(time.Duration))
	monitor, err := health.NewMonitor(store, prober, controller, bus, logg, health.Options{
		Interval: cmd.Value("poll-interval").(time.Duration),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize health monitor: %w", err)
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	// 8. Lifecycle manager and facade
	portRegistry := portreg.NewClient(cmd.Value("port-registry-socket").(string), 5*time.Second)
	lc := lifecycle.NewManager(store, portRegistry, inspector, dnsClient, writer, directory, bus,
		cmd.Value("tunnel-target").(string), logg)
	m := manager.New(store, lc, directory)

	// 9. HTTP surface
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})
	r.Get("/status", statusHandler(m))
	r.Post("/hostnames", hostnameCreateHandler(m))
	r.Delete("/hostnames/{hostname}", hostnameDeleteHandler(m))
	r.Get("/hostnames", hostnameListHandler(m))
	r.Get("/domains", domainListHandler(m))
	r.Post("/domains/discover", domainDiscoverHandler(m))

	httpAddr := cmd.Value("http-addr").(string)
	logg.Info("HTTP server listening", logger.String("addr", httpAddr))
	return http.ListenAndServe(httpAddr, r)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func statusHandler(m *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := m.GetStatus()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to read tunnel status: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func hostnameCreateHandler(m *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req manager.HostnameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.Subdomain == "" || req.TargetPort == 0 || req.OwnerProject == "" {
			http.Error(w, "subdomain, target_port and owner_project are required", http.StatusBadRequest)
			return
		}

		resp := m.RequestHostname(r.Context(), req)
		status := http.StatusCreated
		if !resp.Success {
			status = statusForError(resp.Error)
		}
		writeJSON(w, status, resp)
	}
}

func hostnameDeleteHandler(m *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := manager.DeleteRequest{
			FullHostname: chi.URLParam(r, "hostname"),
			OwnerProject: r.URL.Query().Get("owner_project"),
			IsPrivileged: r.URL.Query().Get("privileged") == "true",
		}
		if req.FullHostname == "" || req.OwnerProject == "" {
			http.Error(w, "hostname and owner_project are required", http.StatusBadRequest)
			return
		}

		resp := m.DeleteHostname(r.Context(), req)
		status := http.StatusOK
		if !resp.Success {
			status = statusForError(resp.Error)
		}
		writeJSON(w, status, resp)
	}
}

func hostnameListHandler(m *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := manager.ListRequest{
			OwnerProject: q.Get("owner_project"),
			Domain:       q.Get("domain"),
			Caller:       q.Get("caller"),
			IsPrivileged: q.Get("privileged") == "true",
		}
		recs, err := m.ListHostnames(req)
		if errors.Is(err, lifecycle.ErrCallerRequired) {
			http.Error(w, "caller is required unless privileged=true", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list hostnames: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func domainListHandler(m *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domains, err := m.ListDomains()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list domains: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, domains)
	}
}

func domainDiscoverHandler(m *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domains, err := m.DiscoverDomains(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("Zone discovery failed: %v", err), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, domains)
	}
}

func statusForError(code string) int {
	switch code {
	case "PortNotOwned", "NotOwner":
		return http.StatusForbidden
	case "HostnameInUse":
		return http.StatusConflict
	case "ServiceUnreachable":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
