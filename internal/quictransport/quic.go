package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol identifies shareio channels during the TLS handshake.
const ALPNProtocol = "shareio-v1"

const (
	connWindow   = 16 << 20
	streamWindow = 8 << 20
	certLifetime = 30 * 24 * time.Hour
)

// serverTLS returns a TLS config backed by a fresh self-signed certificate.
// Peers are authenticated by the shared secret, not the certificate.
func serverTLS() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// transportConfig is shared by both ends. A host accepts exactly one
// bidirectional stream per connection and no unidirectional ones.
func transportConfig(host bool) *quic.Config {
	cfg := &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		InitialConnectionReceiveWindow: connWindow,
		MaxConnectionReceiveWindow:     connWindow,
		InitialStreamReceiveWindow:     streamWindow,
		MaxStreamReceiveWindow:         streamWindow,
	}
	if host {
		cfg.MaxIncomingStreams = 1
		cfg.MaxIncomingUniStreams = -1
	}
	return cfg
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "shareio host"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// Listener accepts QUIC connections for the host.
type Listener struct {
	ln     *quic.Listener
	logger *slog.Logger
}

// Listen opens a UDP listener on addr (host:port).
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsConf, err := serverTLS()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, transportConfig(true))
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	logger.Info("quic listener started", "local_addr", ln.Addr())
	return &Listener{ln: ln, logger: logger}, nil
}

// Addr returns the listener's local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for the next QUIC connection. The caller turns it into a
// channel with Handshake, typically on its own goroutine.
func (l *Listener) Accept(ctx context.Context) (*quic.Conn, error) {
	return l.ln.Accept(ctx)
}

// Close stops accepting connections.
func (l *Listener) Close() error { return l.ln.Close() }

func dialQUIC(ctx context.Context, addr string, logger *slog.Logger) (*quic.Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, clientTLS(), transportConfig(false))
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	logger.Debug("quic connection established", "remote_addr", qc.RemoteAddr())
	return qc, nil
}
