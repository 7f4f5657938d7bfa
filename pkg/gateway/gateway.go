// Package gateway wires C1-C9 together behind the inbound mcp.Server: it
// owns the fleet/router/cache/template/preset collaborators, the sqlite
// session store, OAuth manager, and the stdio/sse/streaming transports,
// grounded on the teacher's own pkg/gateway/run.go (telemetry init, log
// file redirection, mcp.NewServer(&mcp.ServerOptions{...}), interceptor
// wiring, config-watch goroutine, transport dispatch switch) with the
// OCI/catalog/working-set machinery replaced by this gateway's own
// declarative ServerSpec model.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"

	"github.com/nullrunner/mcpmux/pkg/capcache"
	"github.com/nullrunner/mcpmux/pkg/config"
	"github.com/nullrunner/mcpmux/pkg/fleet"
	"github.com/nullrunner/mcpmux/pkg/health"
	"github.com/nullrunner/mcpmux/pkg/interceptors"
	"github.com/nullrunner/mcpmux/pkg/log"
	"github.com/nullrunner/mcpmux/pkg/metatools"
	"github.com/nullrunner/mcpmux/pkg/oauth"
	"github.com/nullrunner/mcpmux/pkg/outbound"
	"github.com/nullrunner/mcpmux/pkg/preset"
	"github.com/nullrunner/mcpmux/pkg/prompts"
	"github.com/nullrunner/mcpmux/pkg/router"
	"github.com/nullrunner/mcpmux/pkg/sessionstore"
	"github.com/nullrunner/mcpmux/pkg/spec"
	"github.com/nullrunner/mcpmux/pkg/telemetry"
	"github.com/nullrunner/mcpmux/pkg/template"
)

// defaultTemplateIdleWindow is used when Options.TemplateIdleWindow is
// unset (zero), matching §4.8's "configurable idle window" default.
const defaultTemplateIdleWindow = 10 * time.Minute

// sessionReapWindow bounds how long an inbound session can go untouched
// before its C8 template references are released and it is dropped from
// the router (§3 "destroyed on disconnect or TTL expiry"). The go-sdk
// exposes no session-closed callback in this retrieval pack, so this
// periodic idle check is the substitute disconnect signal; a real
// transport-level close still frees everything immediately via the
// client's own context cancellation, this only reclaims the
// router/template bookkeeping for sessions that vanished without one.
const sessionReapWindow = 30 * time.Minute

// defaultPageSize bounds a single tools/resources/prompts list page when a
// session opts into pagination (§4.5; the spec leaves the page size
// itself as an implementation choice).
const defaultPageSize = 50

// Options configures a Gateway, mirroring the teacher's own flat Options
// struct embedded into Gateway (Transport/Port/LogFilePath/...).
type Options struct {
	ConfigPath          string
	PresetPath          string
	DatabaseFile        string
	Transport           string // stdio | sse | http|streaming|streamable|streamable-http
	Port                int
	LogFilePath         string
	LazyLoading         bool
	InternalTools       bool
	TemplateIdleWindow  time.Duration
}

// Gateway is C5's inbound face: one mcp.Server multiplexing the fleet
// behind per-session filtering.
type Gateway struct {
	Options

	fleet     *fleet.Fleet
	router    *router.Router
	cache     *capcache.Cache
	templates *template.Pool
	presets   *preset.Resolver
	store     *sessionstore.Store
	metatools *metatools.Layer

	oauthMgr     *oauth.Manager
	refreshCoord *oauth.RefreshCoordinator
	providersMu  sync.Mutex
	providers    map[string]*oauth.Provider

	specsMu      sync.RWMutex
	desiredSpecs map[string]*spec.ServerSpec
	desiredOrder []string

	lazyLoading bool

	mcpServer *gomcp.Server
	health    health.State
	authToken string

	loader *config.Loader
}

// NewGateway builds a Gateway and its collaborators. It does not start any
// network listener or fleet connection; call Run for that.
func NewGateway(opts Options) (*Gateway, error) {
	store, err := sessionstore.New(sessionstore.WithDatabaseFile(opts.DatabaseFile))
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	g := &Gateway{
		Options:      opts,
		cache:        capcache.New(0, 5*time.Minute),
		store:        store,
		providers:    make(map[string]*oauth.Provider),
		desiredSpecs: make(map[string]*spec.ServerSpec),
		lazyLoading:  opts.LazyLoading,
	}

	g.fleet = fleet.New(g.onAuthRequired, g.cache.InvalidateServer)

	var presetStore preset.Store
	if opts.PresetPath != "" {
		fs, err := preset.NewFileStore(opts.PresetPath)
		if err != nil {
			return nil, fmt.Errorf("loading presets: %w", err)
		}
		presetStore = fs
	}
	if presetStore != nil {
		g.presets = preset.New(presetStore)
	} else {
		g.presets = preset.New(emptyPresetStore{})
	}

	g.router = router.New(g.fleet, g.presets)

	idleWindow := opts.TemplateIdleWindow
	if idleWindow <= 0 {
		idleWindow = defaultTemplateIdleWindow
	}
	g.templates = template.New(idleWindow, g.onAuthRequired, g.cache.InvalidateServer)
	g.router.SetTemplateChecker(g.templates)

	g.metatools = metatools.New(g.router, g.cache, g.templates)

	g.oauthMgr = oauth.NewManager(store)
	g.refreshCoord = oauth.NewRefreshCoordinator(g.oauthMgr)

	g.presets.OnChange(func(string) {
		g.router.RecomputeAffected()
	})

	g.loader = config.NewLoader(opts.ConfigPath)

	return g, nil
}

// emptyPresetStore backs a Resolver when no preset file is configured
// (§4.9 presets are optional).
type emptyPresetStore struct{}

func (emptyPresetStore) List() ([]preset.Preset, error)             { return nil, nil }
func (emptyPresetStore) Get(string) (preset.Preset, bool, error)    { return preset.Preset{}, false, nil }
func (emptyPresetStore) Subscribe(func(string)) func()              { return func() {} }

func (g *Gateway) onAuthRequired(ev outbound.AuthRequiredEvent) {
	log.Logf("! %s requires authorization: %s", ev.ServerName, ev.AuthURL)
}

// Run loads the initial configuration, starts the inbound mcp.Server, and
// blocks serving the configured transport.
func (g *Gateway) Run(ctx context.Context) error {
	telemetry.Init()

	if g.LogFilePath != "" {
		logFile, err := os.OpenFile(g.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", g.LogFilePath, err)
		}
		defer logFile.Close()
		log.SetLogWriter(io.MultiWriter(os.Stderr, logFile))
	}

	transportMode := "stdio"
	if g.Port != 0 {
		transportMode = "sse"
	}
	telemetry.RecordGatewayStart(ctx, transportMode)

	go g.periodicMetricExport(ctx)

	defer g.store.Close()

	start := time.Now()

	var ln net.Listener
	if g.Port != 0 {
		var lc net.ListenConfig
		var err error
		ln, err = lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", g.Port))
		if err != nil {
			return err
		}
	}

	desired, desiredOrder, templates, updates, stop, err := g.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	defer stop()

	g.mcpServer = gomcp.NewServer(&gomcp.Implementation{
		Name:    "mcpmux",
		Version: "0.1.0",
	}, &gomcp.ServerOptions{
		InitializedHandler: func(_ context.Context, req *gomcp.InitializedRequest) {
			clientInfo := req.Session.InitializeParams().ClientInfo
			log.Logf("- client initialized %s@%s", clientInfo.Name, clientInfo.Version)
		},
		HasPrompts:   true,
		HasResources: true,
		HasTools:     true,
	})

	g.mcpServer.AddReceivingMiddleware(
		g.sessionMiddleware(),
		g.router.Middleware(g.store),
		g.dispatchMiddleware(),
		interceptors.OAuthRefreshMiddleware(g.refreshCoord),
	)

	for _, t := range g.metatools.Tools() {
		if !g.InternalTools && strings.HasPrefix(t.Name, metatools.InternalToolPrefix) {
			continue
		}
		g.mcpServer.AddTool(t.Tool, t.Handler)
	}
	prompts.AddDiscoverPrompt(g.mcpServer)

	g.templates.SetDefinitions(templates)

	if err := g.applyDesired(ctx, desired, desiredOrder); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}
	g.health.SetHealthy()

	if updates != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case u, ok := <-updates:
					if !ok {
						return
					}
					log.Log("> configuration changed, reconciling")
					g.templates.SetDefinitions(u.Templates)
					if err := g.applyDesired(ctx, u.Servers, u.ServersOrder); err != nil {
						log.Logf("! reconcile failed: %v", err)
					}
				}
			}
		}()
	}

	log.Log("> initialized in", time.Since(start))

	transport := strings.ToLower(g.Transport)
	inContainer := os.Getenv("MCPMUX_IN_CONTAINER") == "1"
	if (transport == "sse" || transport == "http" || transport == "streamable" || transport == "streaming" || transport == "streamable-http") && !inContainer {
		token, wasGenerated, err := getOrGenerateAuthToken()
		if err != nil {
			return fmt.Errorf("failed to initialize auth token: %w", err)
		}
		g.authToken = token
		if wasGenerated {
			log.Logf("> generated bearer token: %s", token)
		}
	}

	switch transport {
	case "", "stdio":
		log.Log("> start stdio server")
		return g.startStdioServer(ctx, os.Stdin, os.Stdout)
	case "sse":
		log.Log("> start sse server on port", g.Port)
		log.Logf("> gateway URL: %s", formatGatewayURL(g.Port, "/sse"))
		return g.startSseServer(ctx, ln)
	case "http", "streamable", "streaming", "streamable-http":
		log.Log("> start streaming server on port", g.Port)
		log.Logf("> gateway URL: %s", formatGatewayURL(g.Port, "/mcp"))
		return g.startStreamingServer(ctx, ln)
	default:
		return fmt.Errorf("unknown transport %q, expected 'stdio', 'sse' or 'streaming'", g.Transport)
	}
}

// applyDesired reconciles the fleet against a freshly loaded/merged
// desired map (OAuth bearer headers already merged in by the caller for
// reload-driven calls; the initial load has none yet), recomputes
// affected session filters, invalidates stale cache entries, and
// starts/stops per-server OAuth provider loops (§4.7 step 4-5).
func (g *Gateway) applyDesired(ctx context.Context, desired map[string]*spec.ServerSpec, order []string) error {
	merged := g.withOAuthHeaders(ctx, desired)

	g.specsMu.Lock()
	g.desiredSpecs = merged
	g.desiredOrder = order
	g.specsMu.Unlock()

	// fleet.New/template.New already invalidate a server's cache entries
	// from outbound.Client's own Ready-exit hook (§4.4), which also covers
	// a manual RestartServer and a spontaneous Ready->Error transition; the
	// invalidation below duplicates that for reconcile-driven events, kept
	// so a server that was never Ready (e.g. removed while still
	// Connecting) still gets a defensive cache sweep.
	events := g.fleet.Reconcile(ctx, merged, order)
	for _, ev := range events {
		switch ev.Kind {
		case fleet.Removed:
			g.cache.InvalidateServer(ev.Name)
			g.stopProvider(ev.Name)
		case fleet.Added, fleet.Modified:
			if ev.Restart {
				g.cache.InvalidateServer(ev.Name)
			}
		}
	}

	g.router.RecomputeAffected()

	for name, s := range merged {
		if s.OAuth != nil && !s.Disabled {
			g.startProvider(name)
		} else {
			g.stopProvider(name)
		}
	}

	return nil
}

// withOAuthHeaders clones every OAuth-configured spec and merges in a
// current bearer Authorization header before the map reaches
// fleet.Reconcile, so a token refresh or freshly completed login is
// visible to spec.DiffFields as an ordinary "headers" change and drives
// the fleet's own stop-and-reconnect path (no separate reconnect API
// needed). Specs without a stored token yet (not authorized) are passed
// through unchanged; the provider loop will trigger a reload once one
// exists.
func (g *Gateway) withOAuthHeaders(ctx context.Context, desired map[string]*spec.ServerSpec) map[string]*spec.ServerSpec {
	merged := make(map[string]*spec.ServerSpec, len(desired))
	for name, s := range desired {
		if s.OAuth == nil || s.Disabled {
			merged[name] = s
			continue
		}
		tok, err := g.oauthMgr.Token(ctx, name)
		if err != nil || tok == nil || tok.AccessToken == "" {
			merged[name] = s
			continue
		}
		clone := s.Clone()
		if clone.Headers == nil {
			clone.Headers = make(map[string]string, 1)
		}
		clone.Headers["Authorization"] = "Bearer " + tok.AccessToken
		merged[name] = clone
	}
	return merged
}

func (g *Gateway) startProvider(name string) {
	g.providersMu.Lock()
	defer g.providersMu.Unlock()
	if _, exists := g.providers[name]; exists {
		return
	}
	p := oauth.NewProvider(name, g.oauthMgr, g.onOAuthReload)
	g.providers[name] = p
	go p.Run(context.Background())
}

func (g *Gateway) stopProvider(name string) {
	g.providersMu.Lock()
	defer g.providersMu.Unlock()
	if p, ok := g.providers[name]; ok {
		p.Stop()
		delete(g.providers, name)
	}
}

// onOAuthReload is the reloadFn a Provider invokes after a token refresh
// or external login completion: re-merge bearer headers across the whole
// desired set and re-reconcile, so fleet.Reconcile's own diff machinery
// (a changed "headers" field is never metadata-only) drives the stop and
// reconnect of the one affected client.
func (g *Gateway) onOAuthReload(ctx context.Context, _ string) error {
	g.specsMu.RLock()
	current := make(map[string]*spec.ServerSpec, len(g.desiredSpecs))
	for k, v := range g.desiredSpecs {
		current[k] = v
	}
	order := append([]string(nil), g.desiredOrder...)
	g.specsMu.RUnlock()
	return g.applyDesired(ctx, current, order)
}

// CompleteOAuthAndReconnect drives the §6 completeOAuthAndReconnect
// ingress: exchange the code, then force a reload so the affected
// AwaitingAuth client picks up the new bearer token.
func (g *Gateway) CompleteOAuthAndReconnect(ctx context.Context, code, state string) error {
	if err := g.oauthMgr.ExchangeCode(ctx, code, state); err != nil {
		return err
	}
	return g.onOAuthReload(ctx, "")
}

// RestartServer forces a fresh connect cycle for one server (SUPPLEMENTED
// FEATURES: manual fleet restart, exposed over the CLI/admin surface).
func (g *Gateway) RestartServer(ctx context.Context, name string) error {
	return g.fleet.Restart(ctx, name)
}

func (g *Gateway) periodicMetricExport(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if mp, ok := otel.GetMeterProvider().(interface {
				ForceFlush(context.Context) error
			}); ok {
				_ = mp.ForceFlush(ctx)
			}
			g.cache.Sweep()
			if g.templates != nil {
				g.templates.Sweep()
			}
			g.reapIdleSessions()
		}
	}
}

// reapIdleSessions releases template references and drops router
// registration for sessions idle past sessionReapWindow. See that
// constant's doc comment for why this substitutes for a disconnect hook.
func (g *Gateway) reapIdleSessions() {
	now := time.Now()
	for _, sess := range g.router.All() {
		if sess.SessionID == stdioSessionID {
			continue
		}
		if now.Sub(sess.LastAccessedAt()) < sessionReapWindow {
			continue
		}
		g.releaseSessionTemplates(sess)
		g.router.Unregister(sess.SessionID)
	}
}
