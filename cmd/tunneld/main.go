// Command tunneld runs the relay server: it accepts authenticated
// WebSocket sessions from tunnel clients and exposes the public
// HTTP/TCP ingress and management API described by this module's
// internal packages. Structured the way the teacher's cmd/hookshot
// bundled server/client/requests/replay subcommands under one cobra
// root, trimmed to the server half plus a migrate subcommand for the
// relational store.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/lance0/tunnelrelay/internal/api"
	"github.com/lance0/tunnelrelay/internal/authjwt"
	"github.com/lance0/tunnelrelay/internal/config"
	"github.com/lance0/tunnelrelay/internal/forward"
	"github.com/lance0/tunnelrelay/internal/ingress"
	"github.com/lance0/tunnelrelay/internal/pending"
	"github.com/lance0/tunnelrelay/internal/registry"
	"github.com/lance0/tunnelrelay/internal/session"
	"github.com/lance0/tunnelrelay/internal/store"
	"github.com/lance0/tunnelrelay/internal/tcprelay"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tunneld",
	Short:   "WebSocket reverse tunnel relay server",
	Long:    `tunneld accepts tunnel-client connections over WebSocket and relays public HTTP/TCP traffic to them.`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return runServe(cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("database_url is required to migrate")
		}
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		log.Println("tunneld: migrations applied")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a tunneld.yaml config file (optional; env vars work without one)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// newTunnelStore opens the configured relational store. "memory" is a
// dev/test escape hatch that never touches Postgres, the way the
// teacher's RequestStore defaulted to an in-process ring buffer.
func newTunnelStore(databaseURL string) (interface {
	store.TunnelStore
	store.RequestLogStore
}, func(), error) {
	if databaseURL == "memory" {
		s := store.NewMemoryStore(1000)
		return s, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pg, err := store.NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pg, pg.Close, nil
}

func runServe(cfg *config.ServerConfig) error {
	logger := log.New(os.Stderr, "tunneld: ", log.LstdFlags)

	tunnelStore, closeStore, err := newTunnelStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(cfg.HeartbeatTimeout())
	unaryTbl := pending.NewUnaryTable()
	streamTbl := pending.NewStreamTable(cfg.MaxPendingRequests)
	tcpTbl := pending.NewTCPTable()
	relayTbl := tcprelay.NewRelayTable(logger)

	unaryFwd := forward.NewUnary(reg, unaryTbl, tunnelStore, tunnelStore, logger)
	streamFwd := forward.NewStream(reg, streamTbl, logger)
	tcpFwd := forward.NewTCP(reg, tcpTbl, logger)

	mgr := session.NewManager(reg, unaryTbl, streamTbl, tcpTbl, relayTbl, tunnelStore, logger, cfg.HeartbeatInterval())

	jwtVerifier := authjwt.NewVerifier(cfg.JWTSecret)

	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = fmt.Sprintf("ws://%s:%s%s", cfg.BindAddr, cfg.Port, cfg.WSPath)
	}
	apiSrv := api.New(api.Config{
		Tunnels:      tunnelStore,
		Logs:         tunnelStore,
		Registry:     reg,
		UnaryForward: unaryFwd,
		TCPForward:   tcpFwd,
		JWT:          jwtVerifier,
		AdminAPIKey:  cfg.AdminAPIKey,
		Info: api.Info{
			Name:           "tunnelrelay",
			Version:        version,
			DomainTemplate: "{domain}." + cfg.Domain,
			WebSocketURL:   wsURL,
			AuthRequired:   jwtVerifier.Enabled(),
			Instruction:    cfg.Instruction,
		},
		Logger: logger,
	})

	ingressHandler := ingress.New(ingress.Config{
		Tunnels:        tunnelStore,
		Unary:          unaryFwd,
		Stream:         streamFwd,
		TCP:            tcpFwd,
		BaseDomain:     cfg.Domain,
		DefaultTimeout: cfg.DefaultTimeout(),
		Logger:         logger,
	})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	router := mux.NewRouter()
	apiSrv.Routes(router)
	router.HandleFunc(cfg.WSPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("websocket upgrade: %v", err)
			return
		}
		mgr.Handle(conn)
	})
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.NotFoundHandler = ingressHandler

	addr := fmt.Sprintf("%s:%s", cfg.BindAddr, cfg.Port)
	httpSrv := &http.Server{Addr: addr, Handler: router}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Println("shutting down...")
		cancel()
	}()

	var tcpListener net.Listener
	if cfg.TCPListenPort > 0 {
		tcpAddr := fmt.Sprintf("%s:%d", cfg.TCPListenHost, cfg.TCPListenPort)
		ln, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", tcpAddr, err)
		}
		tcpListener = ln
		tcpRelayListener := tcprelay.NewListener(reg, relayTbl, cfg.TCPTargetDomain, logger)
		go func() {
			logger.Printf("tcp relay listening on %s", tcpAddr)
			if err := tcpRelayListener.Serve(ln); err != nil {
				logger.Printf("tcp relay stopped: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s (ws path %s)", addr, cfg.WSPath)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		reg.CloseAll()
		if tcpListener != nil {
			tcpListener.Close()
		}
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
