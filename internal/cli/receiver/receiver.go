// Package receiver implements the host subcommand: it listens for senders
// and writes their files into a folder.
package receiver

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sheerbytes/shareio/internal/auth"
	"github.com/sheerbytes/shareio/internal/config"
	"github.com/sheerbytes/shareio/internal/discovery"
	"github.com/sheerbytes/shareio/internal/history"
	"github.com/sheerbytes/shareio/internal/host"
	"github.com/sheerbytes/shareio/internal/logging"
	"github.com/sheerbytes/shareio/internal/progress"
	"github.com/sheerbytes/shareio/internal/quictransport"
	"github.com/sheerbytes/shareio/internal/termio"
	"github.com/sheerbytes/shareio/internal/transfer"
)

const shutdownTimeout = 5 * time.Second

// Run executes the host subcommand and returns the process exit code.
func Run(args []string) int {
	if hasHelpFlag(args) {
		printReceiverUsage()
		return 0
	}
	cfg, err := config.ParseHostConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(termio.Stderr(), "host: %v\n", err)
		printReceiverUsage()
		return 2
	}

	logger := logging.NewWithWriter(termio.Stderr(), "shareio-host", cfg.LogLevel)

	folder, err := filepath.Abs(cfg.Folder)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "host: resolve folder: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		fmt.Fprintf(termio.Stderr(), "host: create folder: %v\n", err)
		return 1
	}

	observers := transfer.Observers{
		transfer.LogObserver{Logger: logger},
		progress.NewReporter(termio.Stdout(), termio.StdoutIsTTY()),
	}
	if cfg.HistoryPath != "" {
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			fmt.Fprintf(termio.Stderr(), "host: %v\n", err)
			return 1
		}
		defer store.Close()
		observers = append(observers, history.NewObserver(store, logger))
	}

	h := host.New(host.Config{
		Folder: folder,
		Gate: auth.Gate{
			Secret:  cfg.Password,
			Timeout: cfg.AuthTimeout,
			Policy:  cfg.AuthTimeoutPolicy,
		},
		Grace:           cfg.Grace,
		MaxMessageBytes: cfg.MaxMessageBytes,
		MaxConns:        cfg.MaxConns,
		ConnectsPerMin:  cfg.ConnectsPerMin,
		ConnectsBurst:   cfg.ConnectsBurst,
		Observer:        observers,
		Logger:          logger,
	})

	serveErr := make(chan error, 1)
	var (
		port      int
		addr      net.Addr
		closeList func()
	)
	switch cfg.Transport {
	case config.TransportQUIC:
		ln, err := quictransport.Listen(cfg.Addr, logger)
		if err != nil {
			fmt.Fprintf(termio.Stderr(), "host: listen: %v\n", err)
			return 1
		}
		addr = ln.Addr()
		if udp, ok := addr.(*net.UDPAddr); ok {
			port = udp.Port
		}
		closeList = func() { _ = ln.Close() }
		go func() { serveErr <- h.ServeQUIC(ln) }()
	default:
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			fmt.Fprintf(termio.Stderr(), "host: listen: %v\n", err)
			return 1
		}
		addr = ln.Addr()
		if tcp, ok := addr.(*net.TCPAddr); ok {
			port = tcp.Port
		}
		closeList = func() { _ = ln.Close() }
		go func() { serveErr <- h.ServeHTTP(ln) }()
	}
	defer closeList()

	if cfg.Advertise {
		adv, err := discovery.Advertise(discovery.Config{
			Instance:     cfg.Name,
			Port:         port,
			Transport:    cfg.Transport,
			AuthRequired: cfg.Password != "",
		})
		if err != nil {
			logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer adv.Stop()
			logger.Info("advertising over mDNS", "instance", cfg.Name, "port", port)
		}
	}

	authNote := "open"
	if cfg.Password != "" {
		authNote = "password required"
	}
	fmt.Fprintf(termio.Stdout(), "receiving into %s on %s (%s, %s)\n", folder, addr, cfg.Transport, authNote)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			fmt.Fprintf(termio.Stderr(), "host: serve: %v\n", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return code
}

func printReceiverUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: shareio host [flags]")
	fmt.Fprintln(termio.Stderr(), "  -addr ADDR                  listen address (default :5523, env SHAREIO_ADDR)")
	fmt.Fprintln(termio.Stderr(), "  -transport ws|quic          channel transport (default ws)")
	fmt.Fprintln(termio.Stderr(), "  -folder DIR                 where received files go (default ., env SHAREIO_FOLDER)")
	fmt.Fprintln(termio.Stderr(), "  -password SECRET            require senders to present SECRET (env SHAREIO_PASSWORD)")
	fmt.Fprintf(termio.Stderr(), "  -auth-timeout D             time to answer the challenge (default %s)\n", auth.DefaultTimeout)
	fmt.Fprintln(termio.Stderr(), "  -auth-timeout-policy P      permissive (let through) or strict (disconnect)")
	fmt.Fprintf(termio.Stderr(), "  -grace D                    wait before aborting a lost sender's files (default %s)\n", transfer.DefaultGraceWindow)
	fmt.Fprintln(termio.Stderr(), "  -max-message-bytes N        largest accepted message (default 1048576)")
	fmt.Fprintln(termio.Stderr(), "  -max-conns N                concurrent connection cap (0 = unlimited)")
	fmt.Fprintln(termio.Stderr(), "  -connects-per-min N         per-IP connect rate (0 = unlimited)")
	fmt.Fprintln(termio.Stderr(), "  -connects-burst N           per-IP connect burst (default 5)")
	fmt.Fprintln(termio.Stderr(), "  -history FILE               record finished transfers in a sqlite file")
	fmt.Fprintln(termio.Stderr(), "  -advertise                  announce this host over mDNS")
	fmt.Fprintln(termio.Stderr(), "  -name NAME                  mDNS instance name (default hostname)")
	fmt.Fprintln(termio.Stderr(), "  -log-level LEVEL            debug, info, warn, error (default info)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}
