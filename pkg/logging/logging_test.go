package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	log := logrus.New()

	require.NoError(t, Configure(log, Config{Level: "debug", Format: FormatText}))
	assert.Equal(t, os.Stdout, log.Out)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}

func TestConfigureRotatedFile(t *testing.T) {
	log := logrus.New()
	file := filepath.Join(t.TempDir(), "logs", "chaincache.log")

	require.NoError(t, Configure(log, Config{Level: "info", Format: FormatJSON, File: file, MaxSizeMB: 1}))

	rotator, ok := log.Out.(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, file, rotator.Filename)
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	log.Info("hello")
	require.NoError(t, rotator.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{Level: "warn", Format: FormatJSON}},
		{name: "bad level", cfg: Config{Level: "loud", Format: FormatText}, wantErr: true},
		{name: "bad format", cfg: Config{Level: "info", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
		})
	}
}
