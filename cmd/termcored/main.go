// termcored is the HTTP/websocket daemon that supervises terminal sessions.
//
// Usage:
//
//	termcored [--config <file>] [--listen <addr>]
//
// The daemon listens on --listen and serves the session websocket endpoint
// at /v1/terminal. It is normally started as a long-running service; the
// termctl CLI connects to it to attach to sessions.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/notforyou23/evobrew-termcore/internal/tcconfig"
	"github.com/notforyou23/evobrew-termcore/internal/termsession"
	"github.com/notforyou23/evobrew-termcore/internal/wsproto"
)

func main() {
	defaultConfig := os.Getenv("TERMCORE_CONFIG")

	configPath := flag.String("config", defaultConfig, "path to the terminal core config file (env: TERMCORE_CONFIG)")
	listenAddr := flag.String("listen", ":7711", "address to listen on for the session websocket endpoint")
	flag.Parse()

	cfg, err := tcconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	if !cfg.Enabled {
		log.Fatalf("terminal core is disabled in config; refusing to start")
	}

	mgr := termsession.NewManager(cfg)
	srv := wsproto.NewServer(cfg, mgr)

	mux := http.NewServeMux()
	mux.Handle("/v1/terminal", srv)

	httpSrv := &http.Server{
		Addr:    *listenAddr,
		Handler: mux,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		if err := mgr.Shutdown(ctx); err != nil {
			log.Printf("session manager shutdown: %v", err)
		}
		os.Exit(0)
	}()

	log.Printf("termcored listening on %s", *listenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}
