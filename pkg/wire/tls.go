package wire

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/samber/lo"
)

// TLSOptions selects the certificates and protocol of ssl: sessions.
type TLSOptions struct {
	CertFile string
	KeyFile  string
	// CAFile verifies the peer certificates, peers are not verified when empty
	CAFile string
	// Version pins the protocol version, e.g. "VersionTLS12"
	Version string
	// CipherSuite pins the cipher suite, e.g. "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"
	CipherSuite string
}

func (o TLSOptions) Enabled() bool {
	return o.CertFile != "" && o.KeyFile != ""
}

var tlsVersions = map[string]uint16{
	"VersionTLS10": tls.VersionTLS10,
	"VersionTLS11": tls.VersionTLS11,
	"VersionTLS12": tls.VersionTLS12,
	"VersionTLS13": tls.VersionTLS13,
}

func cipherSuite(name string) (*tls.CipherSuite, error) {
	if suite, ok := lo.Find(tls.CipherSuites(), func(s *tls.CipherSuite) bool { return s.Name == name }); ok {
		return suite, nil
	}
	names := lo.Map(tls.CipherSuites(), func(s *tls.CipherSuite, _ int) string { return s.Name })
	return nil, fmt.Errorf("not supported cipher suite %q, available cipher suites: %v", name, names)
}

// applyProtocol pins the version and cipher suite of conf.
func (o TLSOptions) applyProtocol(conf *tls.Config) error {
	var suite *tls.CipherSuite
	if o.CipherSuite != "" {
		var err error
		if suite, err = cipherSuite(o.CipherSuite); err != nil {
			return err
		}
		conf.CipherSuites = []uint16{suite.ID}
	}
	if o.Version == "" {
		return nil
	}
	version, ok := tlsVersions[o.Version]
	if !ok {
		return fmt.Errorf("not supported ssl version %q, available ssl versions: %v", o.Version, lo.Keys(tlsVersions))
	}
	if suite != nil && !lo.Contains(suite.SupportedVersions, version) {
		return fmt.Errorf("cipher suite %s does not support ssl version %s", suite.Name, o.Version)
	}
	conf.MinVersion = version
	conf.MaxVersion = version
	return nil
}

// Config builds the TLS configuration of both the listener and the dialer. Switches present
// client certificates when they connect, so the CA verifies peers in both directions.
func (o TLSOptions) Config() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	conf := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", o.CAFile)
		}
		conf.RootCAs = pool
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		conf.InsecureSkipVerify = true
	}
	if err := o.applyProtocol(conf); err != nil {
		return nil, err
	}
	return conf, nil
}
