// Package discovery announces hosts on the local network over mDNS and
// finds them from the sending side.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_shareio._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds one Browse call.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and browsing.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	Instance     string
	Port         int
	Transport    string
	AuthRequired bool

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Transport == "" {
		out.Transport = "ws"
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.Instance) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

// Advertiser keeps a host's mDNS registration alive.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the host.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	auth := "0"
	if cfg.AuthRequired {
		auth = "1"
	}
	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"transport=" + cfg.Transport,
		"auth=" + auth,
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the registration.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Host is one advertised receiver.
type Host struct {
	Instance     string
	HostName     string
	Port         int
	Addresses    []string
	Transport    string
	AuthRequired bool
	Version      int
}

// Address returns host:port for the first known address, preferring IPv4.
func (h Host) Address() string {
	host := strings.TrimSuffix(h.HostName, ".")
	if len(h.Addresses) > 0 {
		host = h.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(h.Port))
}

// URL returns the base URL a sender dials for this host.
func (h Host) URL() string {
	if h.Transport == "quic" {
		return h.Address()
	}
	return "http://" + h.Address() + "/"
}

// Browse collects hosts answering within the scan timeout, sorted by
// instance name.
func Browse(ctx context.Context, config Config) ([]Host, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	found := make(map[string]Host)
collect:
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				break collect
			}
			if host, ok := parseEntry(entry); ok {
				found[host.Instance] = host
			}
		case <-scanCtx.Done():
			break collect
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hosts := make([]Host, 0, len(found))
	for _, h := range found {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Instance < hosts[j].Instance })
	return hosts, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Host, bool) {
	if entry == nil || entry.Port <= 0 {
		return Host{}, false
	}
	txt := txtToMap(entry.Text)

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	// IPv4 first, each group sorted
	var addresses []string
	seen := make(map[string]struct{})
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		var batch []string
		for _, ip := range group {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			batch = append(batch, raw)
		}
		sort.Strings(batch)
		addresses = append(addresses, batch...)
	}
	if len(addresses) == 0 && entry.HostName == "" {
		return Host{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	transport := txt["transport"]
	if transport == "" {
		transport = "ws"
	}

	return Host{
		Instance:     name,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addresses:    addresses,
		Transport:    transport,
		AuthRequired: txt["auth"] == "1",
		Version:      version,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
