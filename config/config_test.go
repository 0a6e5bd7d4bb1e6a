package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFileFormats(t *testing.T) {
	cases := map[string]string{
		"config.toml": `
log_level = "debug"

[platform]
type = "telegram"

[platform.telegram]
token = "t-123"
admins = [42]

[process]
type = "pty"

[process.pty]
command = "/bin/bash"

[relay]
debounce = "250ms"
flush_timeout = "3s"
`,
		"config.yaml": `
log_level: debug
platform:
  type: telegram
  telegram:
    token: t-123
    admins: [42]
process:
  type: pty
  pty:
    command: /bin/bash
relay:
  debounce: 250ms
  flush_timeout: 3s
`,
		"config.json": `{
  "log_level": "debug",
  "platform": {"type": "telegram", "telegram": {"token": "t-123", "admins": [42]}},
  "process": {"type": "pty", "pty": {"command": "/bin/bash"}},
  "relay": {"debounce": "250ms", "flush_timeout": "3s"}
}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := LoadFromFile(writeConfig(t, name, body))
			require.NoError(t, err)

			assert.Equal(t, "debug", cfg.LogLevel)
			assert.Equal(t, "telegram", cfg.Platform.Type)
			assert.Equal(t, "t-123", cfg.Platform.Telegram.Token)
			assert.Equal(t, []int64{42}, cfg.Platform.Telegram.Admins)
			assert.Equal(t, "/bin/bash", cfg.Process.PTY.Command)
			assert.Equal(t, 250*time.Millisecond, cfg.Relay.Debounce.Std())
			assert.Equal(t, 3*time.Second, cfg.Relay.FlushTimeout.Std())

			// untouched keys keep their defaults
			assert.Equal(t, 4096, cfg.Relay.ReadBufferSize)
			assert.Equal(t, 3, cfg.Relay.MaxFlushRetries)
			assert.Zero(t, cfg.Relay.MaxDelay)
			assert.Equal(t, "!", cfg.Relay.CommandPrefix)
			assert.True(t, cfg.Relay.DeleteInput)
			assert.Equal(t, "config.json", cfg.State.Path)
		})
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeConfig(t, "config.ini", "x=1"))
	assert.ErrorContains(t, err, "unsupported config file format")

	_, err = LoadFromFile(writeConfig(t, "config.toml", "[relay]\ndebounce = \"soon\"\n"))
	assert.ErrorContains(t, err, "invalid duration")
}

func TestTokenFromEnv(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Platform.Discord.Token)

	path := writeConfig(t, "config.toml", "[platform.discord]\ntoken = \"from-file\"\n")
	cfg, err = LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Platform.Discord.Token)
}

func TestValidate(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")

	cfg := DefaultConfig
	err := cfg.Validate()
	assert.ErrorContains(t, err, "discord token is required")

	cfg.Platform.Type = "console"
	require.NoError(t, cfg.Validate())

	cfg.Platform.Type = "irc"
	cfg.Process.Type = "vm"
	cfg.State.Type = "postgres"
	cfg.Relay.Debounce = 0
	cfg.Relay.ReadBufferSize = 1
	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unsupported platform type: "irc"`,
		`unsupported process type: "vm"`,
		"state.dsn is required",
		"relay.debounce must be positive",
		"relay.read_buffer_size must be at least 4",
	} {
		assert.ErrorContains(t, err, want)
	}
}
