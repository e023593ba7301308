package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"aire/internal/logger"
)

// NewTLSConfig builds the client TLS config from a verify setting:
// empty/true/1/yes use system roots, false/0/no skip verification and a
// readable file path is appended to the system roots as a CA bundle.
// Anything else falls back to system roots with a warning.
func NewTLSConfig(verify string, log logger.Logger) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	v := strings.TrimSpace(verify)
	switch strings.ToLower(v) {
	case "", "true", "1", "yes":
		return cfg, nil
	case "false", "0", "no":
		log.Warn("TLS verification disabled, use only for testing")
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	info, err := os.Stat(v)
	if err != nil || info.IsDir() {
		log.Warnw("Invalid TLS verify setting, using system roots", "verify", v)
		return cfg, nil
	}

	pem, err := os.ReadFile(v)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle %s: %w", v, err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", v)
	}

	log.Infow("TLS verification using custom CA bundle", "path", v)
	cfg.RootCAs = pool
	return cfg, nil
}
