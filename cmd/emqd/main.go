// Command emqd runs the emq reference broker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"

	"github.com/vitalvas/emq"
	"github.com/vitalvas/emq/internal/cliconfig"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr, nil); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the broker and blocks until ctx ends. ready, when set, is
// called with the server once every listener is open.
func run(ctx context.Context, args []string, logOut io.Writer, ready func(*emq.Server, []net.Addr)) error {
	var (
		configPath string
		listen     []string
		wsAddress  string
		logLevel   string
	)

	flagSet := pflag.NewFlagSet("emqd", pflag.ContinueOnError)
	flagSet.SetOutput(logOut)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flagSet.StringSliceVarP(&listen, "listen", "l", nil, "listener address, repeatable (replaces config listeners)")
	flagSet.StringVar(&wsAddress, "websocket", "", "serve WebSocket clients on this HTTP address")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error, none)")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg := defaultConfig()
	if err := cliconfig.Load(configPath, &cfg); err != nil {
		return err
	}
	if flagSet.Changed("listen") {
		cfg.Listeners = cfg.Listeners[:0]
		for _, addr := range listen {
			cfg.Listeners = append(cfg.Listeners, listenerConfig{Address: addr})
		}
	}
	if flagSet.Changed("websocket") {
		if cfg.WebSocket == nil {
			cfg.WebSocket = &wsConfig{}
		}
		cfg.WebSocket.Address = wsAddress
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	logger, err := cliconfig.Logger(logOut, cfg.LogLevel)
	if err != nil {
		return err
	}

	metrics := emq.NewMemoryMetrics()
	opts := append(cfg.serverOptions(logger, metrics),
		emq.OnSave(func(async bool) error {
			logger.Info("save requested", emq.LogFields{"async": async})
			return nil
		}),
	)
	srv := emq.NewServerWithListener(nil, opts...)

	d := &daemon{srv: srv, metrics: metrics, logger: logger, errs: make(chan error, len(cfg.Listeners)+1)}
	if err := d.start(&cfg); err != nil {
		srv.Close()
		return err
	}

	if ready != nil {
		ready(srv, d.addrs)
	}

	if cfg.StatInterval > 0 {
		go d.reportStats(ctx, cfg.StatInterval)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down", nil)
	case err = <-d.errs:
		logger.Error("listener failed", emq.LogFields{emq.LogFieldError: err})
	}

	d.shutdown()
	return err
}

type daemon struct {
	srv     *emq.Server
	metrics *emq.MemoryMetrics
	logger  emq.Logger
	http    *http.Server
	addrs   []net.Addr
	errs    chan error
}

func (d *daemon) start(cfg *config) error {
	for _, lc := range cfg.Listeners {
		tlsConfig, err := lc.TLS.Build()
		if err != nil {
			return fmt.Errorf("listener %s: %w", lc.Address, err)
		}

		l, err := emq.Listen(lc.Address, tlsConfig)
		if err != nil {
			return fmt.Errorf("listener %s: %w", lc.Address, err)
		}
		d.addrs = append(d.addrs, l.Addr())
		d.logger.Info("listening", emq.LogFields{"addr": l.Addr().String(), "endpoint": lc.Address})

		go func() {
			if err := d.srv.ServeListener(l); err != nil && !errors.Is(err, emq.ErrServerClosed) {
				d.errs <- err
			}
		}()
	}

	if cfg.WebSocket != nil {
		return d.startWebSocket(cfg.WebSocket)
	}
	return nil
}

func (d *daemon) startWebSocket(wc *wsConfig) error {
	tlsConfig, err := wc.TLS.Build()
	if err != nil {
		return fmt.Errorf("websocket: %w", err)
	}

	handler := d.srv.WebSocketHandler()
	handler.AllowedOrigins = wc.AllowedOrigins

	admin, err := newAdminHandler(d.srv, d.metrics)
	if err != nil {
		return fmt.Errorf("admin: %w", err)
	}

	router := mux.NewRouter()
	router.HandleFunc("/stat", d.serveStat).Methods(http.MethodGet)
	router.Handle("/rpc", admin).Methods(http.MethodPost)
	router.Handle(wc.Path, handler)

	ln, err := net.Listen("tcp", wc.Address)
	if err != nil {
		return fmt.Errorf("websocket: %w", err)
	}
	d.addrs = append(d.addrs, ln.Addr())

	d.http = &http.Server{
		Handler:           router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.logger.Info("serving websocket", emq.LogFields{"addr": ln.Addr().String(), "path": wc.Path})

	go func() {
		var err error
		if tlsConfig != nil {
			err = d.http.ServeTLS(ln, "", "")
		} else {
			err = d.http.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.errs <- err
		}
	}()
	return nil
}

func (d *daemon) serveStat(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(newStatReply(d.srv.Stat()))
}

func (d *daemon) reportStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := d.srv.Stat()
			d.logger.Info("stat", emq.LogFields{
				"clients":  st.Clients,
				"queues":   st.Queues,
				"routes":   st.Routes,
				"channels": st.Channels,
				"rss":      st.UsedMemoryRSS,
			})
		}
	}
}

func (d *daemon) shutdown() {
	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.http.Shutdown(ctx)
	}
	d.srv.Close()
}
