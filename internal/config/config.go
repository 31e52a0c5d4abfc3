package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sheerbytes/shareio/internal/auth"
	"github.com/sheerbytes/shareio/internal/logging"
	"github.com/sheerbytes/shareio/internal/transfer"
)

const (
	TransportWS   = "ws"
	TransportQUIC = "quic"
)

var ErrInvalid = errors.New("invalid configuration")

// HostConfig holds configuration for the receiving host.
type HostConfig struct {
	Addr              string
	Transport         string
	Folder            string
	Password          string
	AuthTimeout       time.Duration
	AuthTimeoutPolicy auth.TimeoutPolicy
	Grace             time.Duration
	MaxMessageBytes   int
	HistoryPath       string // sqlite file; empty disables history
	Advertise         bool   // announce over mDNS
	Name              string // mDNS instance name
	LogLevel          string
	MaxConns          int     // concurrent connection cap, 0 = unlimited
	ConnectsPerMin    float64 // per-IP connect rate, 0 = unlimited
	ConnectsBurst     int
}

// SendConfig holds configuration for the sending client.
type SendConfig struct {
	HostURL         string
	Transport       string
	Password        string
	PeerID          string
	ChunkSize       int
	Grace           time.Duration
	Discover        bool // browse mDNS for a host instead of using HostURL
	DiscoverTimeout time.Duration
	HistoryPath     string // sqlite file; empty disables history
	LogLevel        string
	Files           []string
}

// HistoryConfig holds configuration for the history subcommand.
type HistoryConfig struct {
	Path       string
	Role       string
	Status     string
	Limit      int
	PruneOlder time.Duration // delete entries older than this before listing, 0 keeps all
}

// ParseHostConfig parses host configuration from args and environment variables.
// Flags take precedence over environment variables.
func ParseHostConfig(args []string) (HostConfig, error) {
	return parseHostConfigWithFlagSet(flag.NewFlagSet("host", flag.ContinueOnError), args)
}

// parseHostConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseHostConfigWithFlagSet(fs *flag.FlagSet, args []string) (HostConfig, error) {
	hostname, _ := os.Hostname()
	cfg := HostConfig{
		Addr:              ":5523",
		Transport:         TransportWS,
		Folder:            ".",
		AuthTimeout:       auth.DefaultTimeout,
		AuthTimeoutPolicy: auth.PolicyPermissive,
		Grace:             transfer.DefaultGraceWindow,
		MaxMessageBytes:   1 << 20,
		Name:              hostname,
		LogLevel:          "info",
		ConnectsBurst:     5,
	}

	// Read from environment first
	if addr := os.Getenv("SHAREIO_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if folder := os.Getenv("SHAREIO_FOLDER"); folder != "" {
		cfg.Folder = folder
	}
	if password := os.Getenv("SHAREIO_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if logLevel := os.Getenv("SHAREIO_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if history := os.Getenv("SHAREIO_HISTORY"); history != "" {
		cfg.HistoryPath = history
	}
	if maxConns := os.Getenv("SHAREIO_MAX_CONNS"); maxConns != "" {
		if n, err := strconv.Atoi(maxConns); err == nil {
			cfg.MaxConns = n
		}
	}

	policy := string(cfg.AuthTimeoutPolicy)

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "channel transport (ws, quic)")
	fs.StringVar(&cfg.Folder, "folder", cfg.Folder, "folder received files are written to")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "shared secret senders must present (empty disables)")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "time a sender has to answer the challenge")
	fs.StringVar(&policy, "auth-timeout-policy", policy, "what to do when the challenge times out (permissive, strict)")
	fs.DurationVar(&cfg.Grace, "grace", cfg.Grace, "delay before a lost connection's transfers are aborted")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "largest accepted envelope")
	fs.StringVar(&cfg.HistoryPath, "history", cfg.HistoryPath, "sqlite file recording finished transfers")
	fs.BoolVar(&cfg.Advertise, "advertise", cfg.Advertise, "announce the host over mDNS")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "mDNS instance name")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "max concurrent connections (0 = unlimited)")
	fs.Float64Var(&cfg.ConnectsPerMin, "connects-per-min", cfg.ConnectsPerMin, "per-IP connect rate (0 = unlimited)")
	fs.IntVar(&cfg.ConnectsBurst, "connects-burst", cfg.ConnectsBurst, "per-IP connect burst")
	if err := fs.Parse(args); err != nil {
		return HostConfig{}, err
	}

	p, err := auth.ParsePolicy(policy)
	if err != nil {
		return HostConfig{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.AuthTimeoutPolicy = p

	if err := validateTransport(cfg.Transport); err != nil {
		return HostConfig{}, err
	}
	if !logging.ValidLevel(cfg.LogLevel) {
		return HostConfig{}, fmt.Errorf("%w: log level %q", ErrInvalid, cfg.LogLevel)
	}
	if cfg.AuthTimeout <= 0 {
		return HostConfig{}, fmt.Errorf("%w: auth timeout must be positive", ErrInvalid)
	}
	if cfg.Grace <= 0 {
		return HostConfig{}, fmt.Errorf("%w: grace window must be positive", ErrInvalid)
	}
	if cfg.MaxMessageBytes < 4*1024 {
		return HostConfig{}, fmt.Errorf("%w: max message bytes must be at least 4096", ErrInvalid)
	}
	if cfg.MaxConns < 0 || cfg.ConnectsPerMin < 0 {
		return HostConfig{}, fmt.Errorf("%w: limits must not be negative", ErrInvalid)
	}
	if cfg.ConnectsBurst < 1 {
		cfg.ConnectsBurst = 1
	}
	if cfg.Name == "" {
		cfg.Name = "shareio"
	}

	return cfg, nil
}

// ParseSendConfig parses sender configuration from args and environment variables.
// Flags take precedence over environment variables; remaining args are the files.
func ParseSendConfig(args []string) (SendConfig, error) {
	return parseSendConfigWithFlagSet(flag.NewFlagSet("send", flag.ContinueOnError), args)
}

// parseSendConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseSendConfigWithFlagSet(fs *flag.FlagSet, args []string) (SendConfig, error) {
	cfg := SendConfig{
		HostURL:         "http://127.0.0.1:5523/",
		Transport:       TransportWS,
		PeerID:          generatePeerID(),
		ChunkSize:       transfer.DefaultChunkSize,
		Grace:           transfer.DefaultGraceWindow,
		DiscoverTimeout: 3 * time.Second,
		LogLevel:        "info",
	}

	// Read from environment first
	if hostURL := os.Getenv("SHAREIO_HOST"); hostURL != "" {
		cfg.HostURL = hostURL
	}
	if password := os.Getenv("SHAREIO_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if peerID := os.Getenv("SHAREIO_PEER_ID"); peerID != "" {
		cfg.PeerID = peerID
	}
	if history := os.Getenv("SHAREIO_HISTORY"); history != "" {
		cfg.HistoryPath = history
	}
	if logLevel := os.Getenv("SHAREIO_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Flags override environment
	fs.StringVar(&cfg.HostURL, "host", cfg.HostURL, "host URL")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "channel transport (ws, quic)")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "shared secret for the host")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk size in bytes (1 KiB..512 KiB)")
	fs.DurationVar(&cfg.Grace, "grace", cfg.Grace, "delay before a lost connection's transfers are aborted")
	fs.BoolVar(&cfg.Discover, "discover", cfg.Discover, "find the host over mDNS")
	fs.DurationVar(&cfg.DiscoverTimeout, "discover-timeout", cfg.DiscoverTimeout, "how long to browse for hosts")
	fs.StringVar(&cfg.HistoryPath, "history", cfg.HistoryPath, "sqlite file recording finished transfers")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return SendConfig{}, err
	}
	cfg.Files = fs.Args()
	cfg.ChunkSize = transfer.ClampChunkSize(cfg.ChunkSize)

	if err := validateTransport(cfg.Transport); err != nil {
		return SendConfig{}, err
	}
	if !logging.ValidLevel(cfg.LogLevel) {
		return SendConfig{}, fmt.Errorf("%w: log level %q", ErrInvalid, cfg.LogLevel)
	}
	if cfg.Grace <= 0 {
		return SendConfig{}, fmt.Errorf("%w: grace window must be positive", ErrInvalid)
	}
	if cfg.Discover && cfg.DiscoverTimeout <= 0 {
		return SendConfig{}, fmt.Errorf("%w: discover timeout must be positive", ErrInvalid)
	}
	if len(cfg.Files) == 0 {
		return SendConfig{}, fmt.Errorf("%w: no files to send", ErrInvalid)
	}

	return cfg, nil
}

// ParseHistoryConfig parses history listing options.
func ParseHistoryConfig(args []string) (HistoryConfig, error) {
	return parseHistoryConfigWithFlagSet(flag.NewFlagSet("history", flag.ContinueOnError), args)
}

func parseHistoryConfigWithFlagSet(fs *flag.FlagSet, args []string) (HistoryConfig, error) {
	cfg := HistoryConfig{Limit: 20}
	if history := os.Getenv("SHAREIO_HISTORY"); history != "" {
		cfg.Path = history
	}

	fs.StringVar(&cfg.Path, "history", cfg.Path, "sqlite file recording finished transfers")
	fs.StringVar(&cfg.Role, "role", cfg.Role, "only show this role (sender, receiver)")
	fs.StringVar(&cfg.Status, "status", cfg.Status, "only show this status (completed, aborted, errored)")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "max entries to show")
	fs.DurationVar(&cfg.PruneOlder, "prune-older-than", cfg.PruneOlder, "delete entries older than this first")
	if err := fs.Parse(args); err != nil {
		return HistoryConfig{}, err
	}

	if cfg.Path == "" {
		return HistoryConfig{}, fmt.Errorf("%w: history file is required", ErrInvalid)
	}
	switch cfg.Role {
	case "", "sender", "receiver":
	default:
		return HistoryConfig{}, fmt.Errorf("%w: role %q", ErrInvalid, cfg.Role)
	}
	switch cfg.Status {
	case "", "completed", "aborted", "errored":
	default:
		return HistoryConfig{}, fmt.Errorf("%w: status %q", ErrInvalid, cfg.Status)
	}
	if cfg.Limit < 0 || cfg.PruneOlder < 0 {
		return HistoryConfig{}, fmt.Errorf("%w: limit and prune age must not be negative", ErrInvalid)
	}
	return cfg, nil
}

func validateTransport(t string) error {
	switch t {
	case TransportWS, TransportQUIC:
		return nil
	default:
		return fmt.Errorf("%w: transport %q (want ws or quic)", ErrInvalid, t)
	}
}

// generatePeerID generates a random 10-character hex string for peer identification.
func generatePeerID() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}
