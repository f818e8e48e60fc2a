package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pathfinder/internal/config"
)

func TestParseAddressSchemes(t *testing.T) {
	cases := map[string]Scheme{
		"ux:/tmp/pathfinder.sock": SchemeUnix,
		"tcp:127.0.0.1:4555":      SchemeTCP,
		"tls:127.0.0.1:4556":      SchemeTLS,
		"utls:127.0.0.1:4557":     SchemeUTLS,
		"ws:127.0.0.1:4558":       SchemeWS,
		"wss:127.0.0.1:4559":      SchemeWSS,
	}
	for raw, want := range cases {
		addr, err := ParseAddress(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, addr.Scheme, raw)
	}
}

func TestParseAddressRejectsUnknownScheme(t *testing.T) {
	_, err := ParseAddress("ftp:127.0.0.1:21")
	assert.Error(t, err)
}

func TestParseAddressRejectsMissingTarget(t *testing.T) {
	_, err := ParseAddress("tcp:")
	assert.Error(t, err)
}

func TestListenTCPBindsEphemeralPort(t *testing.T) {
	ln, scheme, err := Listen(config.SocketConfig{Addr: "tcp:127.0.0.1:0"})
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, SchemeTCP, scheme)
	assert.NotEmpty(t, ln.Addr().String())
}

func TestListenTLSRequiresCertMaterial(t *testing.T) {
	_, _, err := Listen(config.SocketConfig{Addr: "tls:127.0.0.1:0"})
	assert.Error(t, err)
}

func TestListenUTLSFallsBackToPlainTCPWithoutCert(t *testing.T) {
	ln, scheme, err := Listen(config.SocketConfig{Addr: "utls:127.0.0.1:0"})
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, SchemeTCP, scheme)
}

func TestLoadRevokedSerialsParsesPEMEncodedCRL(t *testing.T) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pathfinder test ca"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IsCA:         true,
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	revokedSerial := big.NewInt(42)
	crlTemplate := &x509.RevocationList{
		Number:                    big.NewInt(1),
		RevokedCertificateEntries: []x509.RevocationListEntry{{SerialNumber: revokedSerial, RevocationTime: time.Now()}},
		ThisUpdate:                time.Now(),
		NextUpdate:                time.Now().Add(time.Hour),
	}
	crlDER, err := x509.CreateRevocationList(rand.Reader, crlTemplate, caCert, caKey)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "revoked.crl")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crlDER}), 0o644))

	revoked, err := loadRevokedSerials(path)
	require.NoError(t, err)
	_, ok := revoked[revokedSerial.String()]
	assert.True(t, ok)
	_, ok = revoked["99"]
	assert.False(t, ok)
}
