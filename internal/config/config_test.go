package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := FromViper(defaults(t))
	require.NoError(t, err)

	assert.Equal(t, "client", cfg.Realtime.Role)
	assert.Equal(t, 10*time.Second, cfg.Realtime.HandshakeTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Join.PrejoinTimeout)
	assert.Equal(t, 60*time.Second, cfg.Join.CacheTTL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.EqualValues(t, 32768, cfg.Realtime.ReadLimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		set     map[string]any
		wantErr string
	}{
		{name: "bad role", set: map[string]any{"realtime.role": "admin"}, wantErr: "realtime.role"},
		{name: "no url", set: map[string]any{"realtime.url": ""}, wantErr: "realtime.url"},
		{name: "zero send timeout", set: map[string]any{"send.timeout": "0s"}, wantErr: "send.timeout"},
		{name: "consultant ok", set: map[string]any{"realtime.role": "consultant"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := defaults(t)
			for k, val := range tt.set {
				v.Set(k, val)
			}
			_, err := FromViper(v)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("CONSULT_REALTIME_ROLE", "consultant")
	t.Setenv("CONSULT_SEND_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "consultant", cfg.Realtime.Role)
	assert.Equal(t, 3*time.Second, cfg.Send.Timeout)
}
