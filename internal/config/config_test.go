package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("GN_JWT_KEY", "from-env")
	t.Setenv("GN_ADDR", ":7000")
	t.Setenv("GN_AUTOSAVE", "1m")

	c, err := Load([]string{"-addr", ":8000"})
	require.NoError(t, err)
	require.Equal(t, ":8000", c.Addr)
	require.Equal(t, "from-env", c.JWTKey)
	require.Equal(t, time.Minute, c.Autosave)
	require.Equal(t, StorageFS, c.Storage)
	require.False(t, c.TLS())
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("GN_JWT_KEY", "")

	cases := map[string][]string{
		"no jwt key":      {},
		"unknown storage": {"-jwt-key", "k", "-storage", "ftp"},
		"half tls":        {"-jwt-key", "k", "-tls-cert", "cert.pem"},
		"bad log format":  {"-jwt-key", "k", "-log-format", "xml"},
		"unknown flag":    {"-jwt-key", "k", "-nope"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(args)
			require.Error(t, err)
		})
	}
}
