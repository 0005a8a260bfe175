package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestL_BeforeInit(t *testing.T) {
	prev := Lg
	Lg = nil
	defer func() { Lg = prev }()

	assert.NotNil(t, L())
	// wrappers must not panic without Init
	Info("noop")
	Debug("noop")
}

func TestInit_WritesJSONFile(t *testing.T) {
	prev := Lg
	defer func() { Lg = prev }()

	filename := filepath.Join(t.TempDir(), "app.log")
	err := Init(&LogConfig{Level: "info", Filename: filename, MaxSize: 1, MaxAge: 1, MaxBackups: 1}, "production")
	require.NoError(t, err)

	Warn("session dropped")
	Sync()

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"session dropped"`)
	assert.Contains(t, string(data), `"level":"WARN"`)
}

func TestInit_BadLevel(t *testing.T) {
	prev := Lg
	defer func() { Lg = prev }()

	err := Init(&LogConfig{Level: "loud"}, "production")
	assert.Error(t, err)
}

func TestGetDailyLogFilename(t *testing.T) {
	name := GetDailyLogFilename("./logs/app.log")
	assert.True(t, strings.HasPrefix(name, "./logs/app-"))
	assert.True(t, strings.HasSuffix(name, ".log"))
}
