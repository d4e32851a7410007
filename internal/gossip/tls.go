package gossip

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"meshterm/internal/node"
)

const ALPN = "meshterm-gossip/1"

// selfCert is a self-signed certificate for the node key. Peers are
// authenticated by the signed handshake; the certificate key is then
// checked against the handshake key so the TLS channel is bound to it.
func selfCert(self *node.Node) (tls.Certificate, error) {
	if len(self.PrivKey) != ed25519.PrivateKeySize {
		return tls.Certificate{}, errors.New("node private key unavailable")
	}
	priv := ed25519.PrivateKey(self.PrivKey)
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{self.ID.Short() + ".meshterm"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("self cert: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

func clientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

// certMatches reports whether the leaf certificate carries pub.
func certMatches(state tls.ConnectionState, pub []byte) bool {
	if len(state.PeerCertificates) == 0 {
		return false
	}
	key, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	return ok && bytes.Equal(key, pub)
}
