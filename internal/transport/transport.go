// Package transport implements the listener-address scheme parsing and the
// byte-stream/message-preserving connection abstraction the session layer
// reads and writes JSON protocol messages through.
package transport

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"strings"

	"pathfinder/internal/config"
)

// Scheme identifies a listener address's transport kind.
type Scheme string

const (
	SchemeUnix Scheme = "ux"
	SchemeTCP  Scheme = "tcp"
	SchemeTLS  Scheme = "tls"
	SchemeUTLS Scheme = "utls"
	SchemeWS   Scheme = "ws"
	SchemeWSS  Scheme = "wss"
)

// Address is a parsed "<scheme>:<address>" listener specification (§6).
type Address struct {
	Scheme Scheme
	Target string // path for ux:, host:port otherwise
}

// ParseAddress parses a listener address of the form "<scheme>:<address>".
// This generalises the teacher's normaliseHostPort helper (server_url.go)
// into a full scheme-aware parser.
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	idx := strings.Index(trimmed, ":")
	if idx < 0 {
		return Address{}, fmt.Errorf("transport: malformed listener address %q", raw)
	}
	scheme := Scheme(trimmed[:idx])
	target := trimmed[idx+1:]
	switch scheme {
	case SchemeUnix, SchemeTCP, SchemeTLS, SchemeUTLS, SchemeWS, SchemeWSS:
	default:
		return Address{}, fmt.Errorf("transport: unknown scheme %q", scheme)
	}
	if target == "" {
		return Address{}, fmt.Errorf("transport: missing address after scheme %q", scheme)
	}
	return Address{Scheme: scheme, Target: target}, nil
}

// Conn is a connection abstraction that reads and writes complete JSON
// protocol messages, hiding whether the underlying transport is a framed
// byte stream or a message-preserving socket (§6).
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	UserIdentity() string
	RemoteAddr() string
}

// streamConn adapts a net.Conn (tcp/tls/unix) to Conn using newline framing.
type streamConn struct {
	nc     net.Conn
	reader *bufio.Reader
	user   string
}

// NewStreamConn wraps a raw network connection with newline-delimited JSON
// framing and derives the peer's user identity per the scheme's policy.
func NewStreamConn(nc net.Conn, scheme Scheme) Conn {
	return &streamConn{nc: nc, reader: bufio.NewReaderSize(nc, 64*1024), user: identityFor(nc, scheme)}
}

func (c *streamConn) ReadMessage() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return trimNewline(line), nil
}

func (c *streamConn) WriteMessage(data []byte) error {
	_, err := c.nc.Write(append(data, '\n'))
	return err
}

func (c *streamConn) Close() error         { return c.nc.Close() }
func (c *streamConn) UserIdentity() string { return c.user }
func (c *streamConn) RemoteAddr() string   { return c.nc.RemoteAddr().String() }

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// identityFor derives the authenticated user identity from the transport
// per §5: X.509 subject-key-id for TLS, peer IP for TCP, a single synthetic
// identity for all local-socket peers.
func identityFor(nc net.Conn, scheme Scheme) string {
	if tlsConn, ok := nc.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			return subjectKeyID(state.PeerCertificates[0])
		}
	}
	switch scheme {
	case SchemeUnix:
		return "local"
	default:
		if host, _, err := net.SplitHostPort(nc.RemoteAddr().String()); err == nil {
			return host
		}
		return nc.RemoteAddr().String()
	}
}

func subjectKeyID(cert *x509.Certificate) string {
	if len(cert.SubjectKeyId) > 0 {
		return hex.EncodeToString(cert.SubjectKeyId)
	}
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

// Listen binds a net.Listener for the given socket configuration. ux:/tcp:
// bind plain sockets; tls: requires cert/key; utls: upgrades to TLS only
// when cert material is configured, otherwise falls back to plain TCP.
func Listen(sock config.SocketConfig) (net.Listener, Scheme, error) {
	addr, err := ParseAddress(sock.Addr)
	if err != nil {
		return nil, "", err
	}
	switch addr.Scheme {
	case SchemeUnix:
		ln, err := net.Listen("unix", addr.Target)
		return ln, SchemeUnix, err
	case SchemeTCP:
		ln, err := net.Listen("tcp", addr.Target)
		return ln, SchemeTCP, err
	case SchemeTLS:
		ln, err := listenTLS(addr.Target, sock.TLS)
		return ln, SchemeTLS, err
	case SchemeUTLS:
		if sock.TLS != nil && sock.TLS.Cert != "" {
			ln, err := listenTLS(addr.Target, sock.TLS)
			return ln, SchemeTLS, err
		}
		ln, err := net.Listen("tcp", addr.Target)
		return ln, SchemeTCP, err
	default:
		return nil, "", fmt.Errorf("transport: scheme %q is not a plain-socket listener", addr.Scheme)
	}
}

func listenTLS(target string, cfg *config.TLSConfig) (net.Listener, error) {
	if cfg == nil || cfg.Cert == "" || cfg.Key == "" {
		return nil, fmt.Errorf("transport: tls listener requires cert and key")
	}
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("transport: load keypair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, ClientAuth: tls.RequestClientCert}
	if cfg.TC != "" {
		pool := x509.NewCertPool()
		pem, err := readFile(cfg.TC)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: no certificates parsed from %q", cfg.TC)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	if cfg.CRL != "" {
		revoked, err := loadRevokedSerials(cfg.CRL)
		if err != nil {
			return nil, err
		}
		tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					continue
				}
				if _, ok := revoked[cert.SerialNumber.String()]; ok {
					return fmt.Errorf("transport: certificate %s is revoked", cert.SerialNumber.String())
				}
			}
			return nil
		}
	}
	return tls.Listen("tcp", target, tlsCfg)
}

// loadRevokedSerials parses a PEM or DER-encoded X.509 CRL into the set of
// revoked certificate serial numbers, checked by listenTLS's
// VerifyPeerCertificate callback on every client handshake.
func loadRevokedSerials(path string) (map[string]struct{}, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("transport: read crl: %w", err)
	}
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("transport: parse crl: %w", err)
	}
	revoked := make(map[string]struct{}, len(list.RevokedCertificateEntries))
	for _, entry := range list.RevokedCertificateEntries {
		revoked[entry.SerialNumber.String()] = struct{}{}
	}
	return revoked, nil
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
