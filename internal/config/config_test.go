package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper() {
	viper.Reset()
}

func TestLoad_Defaults(t *testing.T) {
	resetViper()
	defer resetViper()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 9000, cfg.OCPP.Port)
	assert.Equal(t, []string{"ocpp1.6", "ocpp2.0.1"}, cfg.OCPP.Subprotocols)
	assert.Equal(t, 60*time.Second, cfg.OCPP.HeartbeatInterval)
	assert.False(t, cfg.TLSEnabled())
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	resetViper()
	defer resetViper()

	os.Setenv("PORT", "9999")
	os.Setenv("OCPP_WEBSOCKET_PORT", "9500")
	os.Setenv("SSL_KEYFILE", "/tmp/key.pem")
	os.Setenv("SSL_CERTFILE", "/tmp/cert.pem")
	os.Setenv("OCPP_SUBPROTOCOLS", "ocpp1.6")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("OCPP_WEBSOCKET_PORT")
		os.Unsetenv("SSL_KEYFILE")
		os.Unsetenv("SSL_CERTFILE")
		os.Unsetenv("OCPP_SUBPROTOCOLS")
	}()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 9500, cfg.OCPP.Port)
	assert.True(t, cfg.TLSEnabled())
	assert.Equal(t, []string{"ocpp1.6"}, cfg.OCPP.Subprotocols)
}

func TestConfig_Addresses(t *testing.T) {
	cfg := &Config{
		Server:     ServerConfig{Host: "localhost", Port: 8000},
		OCPP:       OCPPConfig{Host: "0.0.0.0", Port: 9000},
		Monitoring: MonitoringConfig{MetricsAddr: ":9090"},
	}

	assert.Equal(t, "localhost:8000", cfg.GetAdminAddr())
	assert.Equal(t, "0.0.0.0:9000", cfg.GetOCPPAddr())
	assert.Equal(t, ":9090", cfg.GetMetricsAddr())
}

func TestConfig_AccessTokenTTL(t *testing.T) {
	resetViper()
	defer resetViper()

	os.Setenv("ACCESS_TOKEN_EXPIRE_MINUTES", "15")
	defer os.Unsetenv("ACCESS_TOKEN_EXPIRE_MINUTES")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.Security.AccessTokenTTL)
}
