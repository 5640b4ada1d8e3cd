package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	q "github.com/quic-go/quic-go"
)

// ALPN names the link protocol on the QUIC handshake.
const ALPN = "s2p/1"

const (
	certLifetime = 365 * 24 * time.Hour
	keepAlive    = 5 * time.Second
	idleTimeout  = 30 * time.Second
)

// serverTLSConfig issues a throwaway self-signed certificate for one listener.
// TLS only protects the stream; phones and hosts trust each other through
// the pairing key, so the client does not verify it.
func serverTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "speech2prompt host"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true,
	}
}

// quicConfig keeps an idle link open between heartbeats and lets a silent
// peer time out at the QUIC layer as well.
func quicConfig() *q.Config {
	return &q.Config{
		KeepAlivePeriod: keepAlive,
		MaxIdleTimeout:  idleTimeout,
	}
}
