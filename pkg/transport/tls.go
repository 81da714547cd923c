package transport

import (
    "crypto/ed25519"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "crypto/x509/pkix"
    "math/big"
    "time"
)

// ALPN is the application protocol negotiated on QUIC and TLS links.
const ALPN = "iac"

// SelfSignedCert generates a short-lived ed25519 certificate. Link-level TLS
// only provides confidentiality; peer identity is proven by the
// application handshake, so the certificate is never verified.
func SelfSignedCert() (tls.Certificate, error) {
    pub, priv, err := ed25519.GenerateKey(rand.Reader)
    if err != nil { return tls.Certificate{}, err }
    serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
    if err != nil { return tls.Certificate{}, err }
    tmpl := x509.Certificate{
        SerialNumber:          serial,
        Subject:               pkix.Name{CommonName: "iac-node"},
        NotBefore:             time.Now().Add(-time.Minute),
        NotAfter:              time.Now().Add(7 * 24 * time.Hour),
        KeyUsage:              x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        BasicConstraintsValid: true,
        DNSNames:              []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
    if err != nil { return tls.Certificate{}, err }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// ServerTLS builds a TLS 1.3 server config around cert.
func ServerTLS(cert tls.Certificate) *tls.Config {
    return &tls.Config{
        Certificates: []tls.Certificate{cert},
        NextProtos:   []string{ALPN},
        MinVersion:   tls.VersionTLS13,
    }
}

// ClientTLS builds the matching client config.
func ClientTLS() *tls.Config {
    return &tls.Config{
        InsecureSkipVerify: true, // identity is verified by the application handshake
        NextProtos:         []string{ALPN},
        MinVersion:         tls.VersionTLS13,
    }
}
