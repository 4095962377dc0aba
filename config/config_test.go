package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/getyourguide/onfinished-go/config"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := config.Load(filepath.Join("testdata", "config.yml"))
	require.NoError(t, err)
	require.Equal(t, config.Config{
		GRPC:            config.GRPC{Network: "unix", Address: "/tmp/onfinished.sock"},
		HTTP:            config.HTTP{Enabled: false, Address: ":8080"},
		ShutdownTimeout: config.Duration{Duration: 2 * time.Second},
		Log:             config.Log{Verbosity: 1, Format: "text"},
		MaxListeners:    20,
	}, cfg)

	cfg, err = config.Load("")
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)

	_, err = config.Load(filepath.Join("testdata", "missing.yml"))
	require.ErrorContains(t, err, "could not read file")
}

func TestParse(t *testing.T) {
	for _, tt := range []struct {
		name    string
		yaml    string
		wantErr error
		errText string
	}{{
		name: "defaults",
		yaml: "",
	}, {
		name:    "empty grpc address",
		yaml:    "grpc: {address: ''}",
		wantErr: config.ErrNoGRPCAddress,
	}, {
		name:    "http enabled without address",
		yaml:    "http: {enabled: true, address: ''}",
		wantErr: config.ErrNoHTTPAddress,
	}, {
		name:    "unknown network",
		yaml:    "grpc: {network: udp}",
		errText: `unsupported grpc network "udp"`,
	}, {
		name:    "unknown log format",
		yaml:    "log: {format: xml}",
		errText: `unsupported log format "xml"`,
	}, {
		name:    "bad duration",
		yaml:    "shutdownTimeout: soon",
		errText: "could not unmarshal config",
	}, {
		name:    "unknown field",
		yaml:    "grpcc: {}",
		errText: "could not unmarshal config",
	}} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.errText != "":
				require.ErrorContains(t, err, tt.errText)
			default:
				require.NoError(t, err)
			}
		})
	}
}
