// Package sender implements the send subcommand.
package sender

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/shareio/internal/client"
	"github.com/sheerbytes/shareio/internal/clienthttp"
	"github.com/sheerbytes/shareio/internal/config"
	"github.com/sheerbytes/shareio/internal/discovery"
	"github.com/sheerbytes/shareio/internal/history"
	"github.com/sheerbytes/shareio/internal/logging"
	"github.com/sheerbytes/shareio/internal/progress"
	"github.com/sheerbytes/shareio/internal/quictransport"
	"github.com/sheerbytes/shareio/internal/termio"
	"github.com/sheerbytes/shareio/internal/transfer"
	"github.com/sheerbytes/shareio/internal/transport"
	"github.com/sheerbytes/shareio/internal/wsclient"
)

const connectTimeout = 15 * time.Second

// Run executes the send subcommand and returns the process exit code.
func Run(args []string) int {
	if hasHelpFlag(args) {
		printSenderUsage()
		return 0
	}
	cfg, err := config.ParseSendConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(termio.Stderr(), "send: %v\n", err)
		printSenderUsage()
		return 2
	}

	logger := logging.NewWithWriter(termio.Stderr(), "shareio-send", cfg.LogLevel).With("peer_id", cfg.PeerID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	target, transportName := cfg.HostURL, cfg.Transport
	if cfg.Discover {
		found, err := discoverHost(ctx, cfg)
		if err != nil {
			fmt.Fprintf(termio.Stderr(), "send: %v\n", err)
			return 1
		}
		target, transportName = found.URL(), found.Transport
		fmt.Fprintf(termio.Stdout(), "found %s at %s\n", found.Instance, found.Address())
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, err := dial(dialCtx, target, transportName, cfg, logger)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "send: %v\n", err)
		return 1
	}

	reporter := progress.NewReporter(termio.Stdout(), termio.StdoutIsTTY())
	observers := transfer.Observers{transfer.LogObserver{Logger: logger}, reporter}
	if cfg.HistoryPath != "" {
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			_ = conn.Close()
			fmt.Fprintf(termio.Stderr(), "send: %v\n", err)
			return 1
		}
		defer store.Close()
		observers = append(observers, history.NewObserver(store, logger))
	}

	c, err := client.Connect(dialCtx, conn, client.Options{
		Password:  cfg.Password,
		ChunkSize: cfg.ChunkSize,
		Grace:     cfg.Grace,
		Observer:  observers,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "send: %s\n", describeConnectError(err))
		return 1
	}
	defer c.Close()

	results, err := c.SendAll(ctx, cfg.Files)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "send: %v\n", err)
		return 1
	}
	failed := 0
	for _, res := range results {
		if !res.Verified {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(termio.Stderr(), "send: %d of %d files failed\n", failed, len(results))
		return 1
	}
	return 0
}

func discoverHost(ctx context.Context, cfg config.SendConfig) (discovery.Host, error) {
	hosts, err := discovery.Browse(ctx, discovery.Config{ScanTimeout: cfg.DiscoverTimeout})
	if err != nil {
		return discovery.Host{}, fmt.Errorf("discover: %w", err)
	}
	if len(hosts) == 0 {
		return discovery.Host{}, errors.New("no hosts found on the local network")
	}
	found := hosts[0]
	if found.AuthRequired && cfg.Password == "" {
		return discovery.Host{}, fmt.Errorf("%s: %w", found.Instance, client.ErrPasswordRequired)
	}
	return found, nil
}

func dial(ctx context.Context, target, transportName string, cfg config.SendConfig, logger *slog.Logger) (transport.Conn, error) {
	if transportName == config.TransportQUIC {
		conn, err := quictransport.Dial(ctx, target, cfg.PeerID, logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	health, err := clienthttp.CheckHealth(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("host unreachable: %w", err)
	}
	if health.AuthRequired && cfg.Password == "" {
		return nil, client.ErrPasswordRequired
	}
	wsURL, err := wsclient.URL(target)
	if err != nil {
		return nil, err
	}
	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func describeConnectError(err error) string {
	switch {
	case errors.Is(err, client.ErrPasswordRequired):
		return "the host requires a password (use -password)"
	case errors.Is(err, client.ErrPasswordInvalid):
		return "the host rejected the password"
	case errors.Is(err, client.ErrAuthTimeout):
		return "the host timed out waiting for the password"
	default:
		return err.Error()
	}
}

func printSenderUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: shareio send [flags] <files...>")
	fmt.Fprintln(termio.Stderr(), "  -host URL                   host URL, or host:port for quic (env SHAREIO_HOST)")
	fmt.Fprintln(termio.Stderr(), "  -transport ws|quic          channel transport (default ws)")
	fmt.Fprintln(termio.Stderr(), "  -password SECRET            shared secret (env SHAREIO_PASSWORD)")
	fmt.Fprintln(termio.Stderr(), "  -discover                   find the host over mDNS")
	fmt.Fprintln(termio.Stderr(), "  -discover-timeout D         how long to browse (default 3s)")
	fmt.Fprintln(termio.Stderr(), "  -chunk-size N               chunk size in bytes (default 65536)")
	fmt.Fprintf(termio.Stderr(), "  -grace D                    wait before giving up on a lost host (default %s)\n", transfer.DefaultGraceWindow)
	fmt.Fprintln(termio.Stderr(), "  -peer-id ID                 identifier sent in the QUIC hello (env SHAREIO_PEER_ID)")
	fmt.Fprintln(termio.Stderr(), "  -history FILE               record finished transfers in a sqlite file")
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
