package wsserver

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigAddrAndTLSEnabled(t *testing.T) {
	cfg := Config{Host: "0.0.0.0", Port: 9000}
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	assert.False(t, cfg.TLSEnabled())

	cfg.SSLCertFile = "/tmp/cert.pem"
	assert.False(t, cfg.TLSEnabled())
	cfg.SSLKeyFile = "/tmp/key.pem"
	assert.True(t, cfg.TLSEnabled())
}

func TestBuildTLSConfigFixedCipher(t *testing.T) {
	tlsCfg := buildTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS10), tlsCfg.MinVersion)
	assert.Equal(t, []uint16{tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA}, tlsCfg.CipherSuites)
}
