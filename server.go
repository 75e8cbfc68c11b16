package main

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/levelpin/levelpin/internal/config"
	"github.com/levelpin/levelpin/internal/device"
	"github.com/levelpin/levelpin/internal/enforce"
	"github.com/levelpin/levelpin/internal/eventlog"
	"github.com/levelpin/levelpin/internal/loading"
	"github.com/levelpin/levelpin/internal/metering"
	"github.com/levelpin/levelpin/internal/notify"
	"github.com/levelpin/levelpin/internal/server"
	"github.com/levelpin/levelpin/internal/types"
	"github.com/levelpin/levelpin/internal/util"
)

var loginTmpl = template.Must(template.New("login").Parse(loginHTML))
var indexTmpl = template.Must(template.New("index").Parse(indexHTML))
var faviconTmpl = template.Must(template.New("favicon").Parse(faviconSVG))

type loginData struct {
	Error       bool
	CSRFToken   string
	Version     string
	Year        int
	MonitorName string
	PrimaryCSS  template.CSS
}

type indexData struct {
	Version     string
	Year        int
	MonitorName string
	PrimaryCSS  template.CSS
}

// Device enumeration is native and not free; status builds share one pass
// per interval across all connected clients.
const deviceCacheTTL = 2500 * time.Millisecond

// Server is an HTTP server that provides the web interface for the monitor.
type Server struct {
	config   *config.Config
	meter    *metering.Service
	engine   *enforce.Engine
	store    *enforce.MemoryStore
	enum     device.Enumerator
	load     *loading.Machine
	events   *eventlog.Logger
	notifier *notify.AlertNotifier
	sessions *server.SessionManager
	commands *server.CommandHandler
	version  *VersionChecker
	expiry   *notify.SecretExpiryChecker

	deviceMu      sync.Mutex
	deviceCache   []types.DeviceInfo
	deviceFetched time.Time

	levelsMu   sync.Mutex
	levelsSubs map[chan types.DeviceLevels]struct{}
}

// serverDeps carries the composed core into NewServer.
type serverDeps struct {
	meter    *metering.Service
	engine   *enforce.Engine
	store    *enforce.MemoryStore
	enum     device.Enumerator
	load     *loading.Machine
	notifier *notify.AlertNotifier
	events   *eventlog.Logger
	archiver *eventlog.Archiver
}

// NewServer returns a new Server wired to the monitor core.
func NewServer(cfg *config.Config, deps serverDeps) *Server {
	graphCfg := cfg.GraphConfig()
	return &Server{
		config:   cfg,
		meter:    deps.meter,
		engine:   deps.engine,
		store:    deps.store,
		enum:     deps.enum,
		load:     deps.load,
		events:   deps.events,
		notifier: deps.notifier,
		sessions: server.NewSessionManager(),
		commands: server.NewCommandHandler(cfg, deps.meter, deps.engine, deps.enum,
			deps.notifier, deps.events, deps.archiver),
		version:    NewVersionChecker(),
		expiry:     notify.NewSecretExpiryChecker(&graphCfg),
		levelsSubs: make(map[chan types.DeviceLevels]struct{}),
	}
}

// PublishLevels fans a throttled level update out to every connected
// WebSocket client. Wired as the metering service's levels callback, so
// the clearing sweep on disable reaches displays even though the service
// no longer reports those devices.
func (s *Server) PublishLevels(dl types.DeviceLevels) {
	s.levelsMu.Lock()
	defer s.levelsMu.Unlock()
	for ch := range s.levelsSubs {
		select {
		case ch <- dl:
		default:
			// Slow client; the next update supersedes this one anyway.
		}
	}
}

func (s *Server) subscribeLevels() chan types.DeviceLevels {
	ch := make(chan types.DeviceLevels, 64)
	s.levelsMu.Lock()
	s.levelsSubs[ch] = struct{}{}
	s.levelsMu.Unlock()
	return ch
}

func (s *Server) unsubscribeLevels(ch chan types.DeviceLevels) {
	s.levelsMu.Lock()
	delete(s.levelsSubs, ch)
	s.levelsMu.Unlock()
}

// handleWebSocket handles bidirectional WebSocket communication for real-time updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Create buffered send channel for thread-safe writes.
	// Only the writer goroutine writes to the connection, preventing race conditions.
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)

	// Writer goroutine - sole writer to the connection
	go s.runWebSocketWriter(conn, send)

	// Reader goroutine - handles incoming commands
	go s.runWebSocketReader(conn, send, done, statusUpdate)

	s.runWebSocketEventLoop(send, done, statusUpdate)
}

// runWebSocketWriter writes messages from the send channel to the connection.
func (s *Server) runWebSocketWriter(conn server.WebSocketConn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runWebSocketReader reads commands from the connection and dispatches them.
func (s *Server) runWebSocketReader(conn server.WebSocketConn, send chan<- any, done, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd server.WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands.Handle(cmd, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runWebSocketEventLoop handles periodic status and level updates.
func (s *Server) runWebSocketEventLoop(send chan any, done, statusUpdate <-chan struct{}) {
	levelsTicker := time.NewTicker(types.LevelTickInterval)
	statusTicker := time.NewTicker(3000 * time.Millisecond)
	defer levelsTicker.Stop()
	defer statusTicker.Stop()

	levelUpdates := s.subscribeLevels()
	defer s.unsubscribeLevels(levelUpdates)

	// Level updates accumulated since the last tick, last value wins per
	// device. Seeded so a fresh client paints the current meters right
	// away instead of waiting for the next measurement.
	pending := make(map[string]types.DeviceLevels)
	for _, dl := range s.meter.LatestLevels() {
		pending[dl.DeviceID] = dl
	}

	// trySend attempts to send a message, returning false if done is closed
	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	// Send initial status
	if !trySend(s.buildWSStatus()) {
		close(send)
		return
	}

	for {
		select {
		case <-done:
			close(send)
			return
		case dl := <-levelUpdates:
			pending[dl.DeviceID] = dl
		case <-statusUpdate:
			if !trySend(s.buildWSStatus()) {
				close(send)
				return
			}
		case <-levelsTicker.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]types.DeviceLevels, 0, len(pending))
			for _, dl := range pending {
				batch = append(batch, dl)
			}
			pending = make(map[string]types.DeviceLevels)
			if !trySend(types.WSLevelsResponse{Type: "levels", Devices: batch}) {
				close(send)
				return
			}
		case <-statusTicker.C:
			if !trySend(s.buildWSStatus()) {
				close(send)
				return
			}
		}
	}
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus() types.WSStatusResponse {
	cfg := s.config.Snapshot()

	resp := types.WSStatusResponse{
		Type:              "status",
		Meter:             s.meter.Status(),
		Enforce:           s.engine.Status(),
		LoadState:         string(s.load.State()),
		Devices:           s.deviceInfos(),
		Frozen:            s.store.List(),
		SilenceThreshold:  cfg.SilenceThreshold,
		SilenceDurationMs: cfg.SilenceDurationMs,
		SilenceRecoveryMs: cfg.SilenceRecoveryMs,
		AlertWebhook:      cfg.WebhookURL,
		AlertLogPath:      cfg.LogPath,
		ZabbixServer:      cfg.ZabbixServer,
		ZabbixPort:        cfg.ZabbixPort,
		ZabbixHost:        cfg.ZabbixHost,
		ZabbixKey:         cfg.ZabbixKey,
		GraphTenantID:     cfg.GraphTenantID,
		GraphClientID:     cfg.GraphClientID,
		GraphFromAddress:  cfg.GraphFromAddress,
		GraphRecipients:   cfg.GraphRecipients,
		Settings: types.WSSettings{
			ActiveGroup: s.meter.ActiveGroup(),
			Platform:    runtime.GOOS,
		},
		Version: s.version.Info(),
	}

	if cfg.HasGraph() {
		info := s.expiry.GetInfo()
		resp.GraphSecretExpiry = &info
	}

	return resp
}

// deviceInfos returns the wire representation of all enumerated endpoints.
// Results are cached briefly so concurrent clients share one native pass.
func (s *Server) deviceInfos() []types.DeviceInfo {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()

	if time.Since(s.deviceFetched) < deviceCacheTTL {
		return s.deviceCache
	}

	ctx, cancel := context.WithTimeout(context.Background(), types.EnumerationTimeout)
	defer cancel()

	frozen := make(map[string]bool)
	for _, fd := range s.store.List() {
		frozen[fd.DeviceID] = true
	}

	var infos []types.DeviceInfo
	for _, dir := range []device.Direction{device.Render, device.Capture} {
		devices, err := s.enum.List(ctx, dir)
		if err != nil {
			slog.Warn("device enumeration failed", "direction", dir.String(), "error", err)
			continue
		}
		for i := range devices {
			d := &devices[i]
			infos = append(infos, types.DeviceInfo{
				ID:        d.ID,
				Name:      d.Name,
				Direction: d.Direction.String(),
				Channels:  d.Channels,
				MinDB:     d.Volume.MinDB,
				MaxDB:     d.Volume.MaxDB,
				StepDB:    d.Volume.StepDB,
				Muted:     d.Muted,
				Default:   d.IsDefault,
				Frozen:    frozen[d.ID],
				Meterable: d.Meterable(),
			})
		}
	}

	s.deviceCache = infos
	s.deviceFetched = time.Now()
	return infos
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := s.sessions.AuthMiddleware()

	// Public routes (no auth required)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)

	// Public static assets (needed for login page styling)
	mux.HandleFunc("/style.css", s.handlePublicStatic)
	mux.HandleFunc("/favicon.svg", s.handleFavicon)

	// Automation API routes (API key auth)
	mux.HandleFunc("/api/v1/status", s.apiKeyAuth(s.handleAPIStatus))
	mux.HandleFunc("/api/v1/frozen", s.apiKeyAuth(s.handleAPIFrozen))

	// Session API routes
	mux.HandleFunc("/api/devices", auth(s.handleAPIDevices))
	mux.HandleFunc("/api/status", auth(s.handleAPIStatus))
	mux.HandleFunc("/api/frozen", auth(s.handleAPIFrozen))
	mux.HandleFunc("/api/settings", auth(s.handleAPISettings))
	mux.HandleFunc("/api/events", auth(s.handleAPIEvents))
	mux.HandleFunc("/api/regenerate-key", auth(s.handleAPIRegenerateKey))
	mux.HandleFunc("/api/test/webhook", auth(s.handleAPITestWebhook))
	mux.HandleFunc("/api/test/log", auth(s.handleAPITestLog))
	mux.HandleFunc("/api/test/email", auth(s.handleAPITestEmail))
	mux.HandleFunc("/api/test/zabbix", auth(s.handleAPITestZabbix))

	// Protected routes
	mux.HandleFunc("/ws", auth(s.handleWebSocket))
	mux.HandleFunc("/", auth(s.handleStatic))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// handlePublicStatic handles requests for static files without authentication.
func (s *Server) handlePublicStatic(w http.ResponseWriter, r *http.Request) {
	if !serveStaticFile(w, r.URL.Path) {
		http.NotFound(w, r)
	}
}

// handleFavicon serves the favicon with the configured brand color.
func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Snapshot()
	w.Header().Set("Content-Type", "image/svg+xml")
	if err := faviconTmpl.Execute(w, struct{ Color string }{Color: cfg.ColorLight}); err != nil {
		slog.Error("failed to render favicon", "error", err)
	}
}

// serveStaticFile serves a static file by path and reports whether it was found.
func serveStaticFile(w http.ResponseWriter, path string) bool {
	file, ok := staticFiles[path]
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", file.contentType)
	if _, err := w.Write([]byte(file.content)); err != nil {
		slog.Error("failed to write static file", "file", file.name, "error", err)
	}
	return true
}

// handleLogin handles login page display and form submission.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie("levelpin_session"); err == nil {
		if s.sessions.Validate(cookie.Value) {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
	}

	cfg := s.config.Snapshot()
	data := loginData{
		Version:     Version,
		Year:        time.Now().Year(),
		CSRFToken:   s.sessions.CreateCSRFToken(),
		MonitorName: cfg.MonitorName,
		PrimaryCSS:  template.CSS(util.GenerateBrandCSS(cfg.ColorLight, cfg.ColorDark)),
	}

	if r.Method == http.MethodPost {
		csrfToken := r.FormValue("csrf_token")
		if !s.sessions.ValidateCSRFToken(csrfToken) {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		username := r.FormValue("username")
		password := r.FormValue("password")

		if s.sessions.Login(w, r, username, password, cfg.WebUser, cfg.WebPassword) {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}

		data.Error = true
		data.CSRFToken = s.sessions.CreateCSRFToken() // New token for retry
	}

	w.Header().Set("Content-Type", "text/html")
	if err := loginTmpl.Execute(w, data); err != nil {
		slog.Error("failed to render login page", "error", err)
	}
}

// handleLogout handles user logout requests.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(w, r)
	http.Redirect(w, r, "/login", http.StatusFound)
}

// staticFile is an embedded static file with content type and data.
type staticFile struct {
	contentType string
	content     string
	name        string
}

// staticFiles is a map from URL paths to static file definitions.
var staticFiles = map[string]staticFile{
	"/style.css": {
		contentType: "text/css",
		content:     styleCSS,
		name:        "style.css",
	},
	"/app.js": {
		contentType: "application/javascript",
		content:     appJS,
		name:        "app.js",
	},
	// favicon.svg is served dynamically via handleFavicon
}

// handleStatic handles requests for embedded static web interface files.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		path = "/index.html"
	}

	// Serve index.html with dynamic placeholders.
	if path == "/index.html" {
		cfg := s.config.Snapshot()
		w.Header().Set("Content-Type", "text/html")
		if err := indexTmpl.Execute(w, indexData{
			Version:     Version,
			Year:        time.Now().Year(),
			MonitorName: cfg.MonitorName,
			PrimaryCSS:  template.CSS(util.GenerateBrandCSS(cfg.ColorLight, cfg.ColorDark)),
		}); err != nil {
			slog.Error("failed to write index.html", "error", err)
		}
		return
	}

	if serveStaticFile(w, path) {
		return
	}

	http.NotFound(w, r)
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.SetupRoutes(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
