// Package server - HTTP-Server fuer die Ausfuehrung von Node-Graphen
//
// Dieses Modul enthaelt:
// - Server: Registry, Host-Dienste und Ergebnis-History
// - GenerateRoutes: gin-Router mit CORS und Host-Pruefung (hosts.go)
// - Serve: Startet den Server auf einem Listener
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ollama/fluxmod/envconfig"
	"github.com/ollama/fluxmod/host"
	"github.com/ollama/fluxmod/logutil"
	"github.com/ollama/fluxmod/nodes"
	"github.com/ollama/fluxmod/sample"
)

// Server fuehrt Prompts gegen eine Node-Registry aus
type Server struct {
	addr     net.Addr
	registry *nodes.Registry
	env      *nodes.Env
	history  *History

	// mu serialisiert die Ausfuehrung von Prompts
	mu     sync.Mutex
	number int
}

// NewServer erstellt einen Server; maxHistory == 0 speichert unbegrenzt
func NewServer(registry *nodes.Registry, env *nodes.Env, maxHistory uint) *Server {
	return &Server{
		registry: registry,
		env:      env,
		history:  NewHistory(int(maxHistory)),
	}
}

// GenerateRoutes baut den Router: CORS fuer die erlaubten Origins, Host-Pruefung
// und die Endpunkte /object_info, /prompt und /history
func (s *Server) GenerateRoutes() http.Handler {
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = envconfig.AllowedOrigins()
	cfg.AllowWildcard = true
	cfg.AllowBrowserExtensions = true
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "Accept", "User-Agent", "X-Requested-With")

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(cfg), newHostPolicy(s.addr).middleware())

	alive := func(c *gin.Context) { c.String(http.StatusOK, "FluxMod is running") }
	r.GET("/", alive)
	r.HEAD("/", alive)

	for _, p := range []string{"/object_info", "/object_info/:class"} {
		r.GET(p, s.ObjectInfoHandler)
	}
	r.POST("/prompt", s.PromptHandler)
	for _, p := range []string{"/history", "/history/:id"} {
		r.GET(p, s.HistoryHandler)
	}

	return r
}

// Serve startet den HTTP-Server mit allen Host- und FluxMod-Nodes
func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	registry, err := nodes.DefaultRegistry()
	if err != nil {
		return err
	}

	// Das Rechen-Backend wird vom einbettenden Host gesetzt; ohne Backend
	// schlagen nur Sampling-Nodes mit ErrNoBackend fehl.
	env := &nodes.Env{
		Folders:    host.NewFolderPaths(),
		Dispatcher: sample.NewDispatcher(),
		OutputDir:  envconfig.Output(),
	}

	if envconfig.LogLevel() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := NewServer(registry, env, envconfig.MaxHistory())
	s.addr = ln.Addr()
	srv := &http.Server{Handler: s.GenerateRoutes()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	slog.Info("listening", "addr", ln.Addr().String(), "nodes", len(registry.Names()))
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
