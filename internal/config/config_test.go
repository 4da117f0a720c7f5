// File: internal/config/config_test.go
package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "scalpel-driver", cfg.Logger().ServiceName)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 1024, cfg.Browser().WindowWidth)
	assert.Equal(t, 768, cfg.Browser().WindowHeight)
	assert.Equal(t, 30*time.Second, cfg.Network().NavigationTimeout)
	assert.Equal(t, 2*time.Second, cfg.Driver().WaitTimeout)
	assert.Equal(t, 2*time.Second, cfg.Driver().FrameTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Driver().PollInterval)
	assert.Empty(t, cfg.Driver().AppHost)

	require.NoError(t, cfg.Validate(), "defaults must always validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Browser Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.BrowserCfg.WindowWidth = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "window_width and window_height must be positive integers")
	})

	t.Run("Navigation Timeout", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.SetNetworkNavigationTimeout(0)
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "network.navigation_timeout must be a positive duration")
	})

	t.Run("Driver Validation", func(t *testing.T) {
		testCases := []struct {
			name    string
			mutate  func(*DriverConfig)
			wantErr string
		}{
			{"negative wait", func(d *DriverConfig) { d.WaitTimeout = -time.Second }, "must not be negative"},
			{"zero poll", func(d *DriverConfig) { d.PollInterval = 0 }, "poll_interval must be a positive duration"},
			{"zero action timeout", func(d *DriverConfig) { d.ActionTimeout = 0 }, "action_timeout must be a positive duration"},
			{"relative app host", func(d *DriverConfig) { d.AppHost = "localhost:3000" }, "app_host must be an absolute URL"},
			{"valid app host", func(d *DriverConfig) { d.AppHost = "http://localhost:3000" }, ""},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				d := NewDefaultConfig().Driver()
				tc.mutate(&d)
				err := d.Validate()
				if tc.wantErr == "" {
					assert.NoError(t, err)
					return
				}
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			})
		}
	})
}

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
browser:
  headless: false
  window_width: 1280
  args: ["--lang=en-US"]
driver:
  app_host: "http://127.0.0.1:9000"
  frame_timeout: 5s
network:
  blacklist: ["*.png", "https://ads.example/*"]
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.False(t, cfg.Browser().Headless)
		assert.Equal(t, 1280, cfg.Browser().WindowWidth)
		assert.Equal(t, 768, cfg.Browser().WindowHeight, "unset values keep their defaults")
		assert.Equal(t, []string{"--lang=en-US"}, cfg.Browser().Args)
		assert.Equal(t, "http://127.0.0.1:9000", cfg.Driver().AppHost)
		assert.Equal(t, 5*time.Second, cfg.Driver().FrameTimeout)
		assert.Equal(t, []string{"*.png", "https://ads.example/*"}, cfg.Network().Blacklist)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("driver.poll_interval", "0s")

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "poll_interval must be a positive duration")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBufferString("driver:\n  wait_timeout: 1s\n")))

		t.Setenv("SCALPEL_DRIVER_DRIVER_WAIT_TIMEOUT", "7s")
		t.Setenv("SCALPEL_DRIVER_BROWSER_HEADLESS", "false")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		// The env var overrides the value from the config buffer.
		assert.Equal(t, 7*time.Second, cfg.Driver().WaitTimeout)
		assert.False(t, cfg.Browser().Headless)
	})

	t.Run("Home Directory Expansion", func(t *testing.T) {
		home, err := homedir.Dir()
		if err != nil {
			t.Skipf("no home directory available: %v", err)
		}

		v := viper.New()
		SetDefaults(v)
		v.Set("browser.user_data_dir", "~/.scalpel-driver/profile")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, ".scalpel-driver", "profile"), cfg.Browser().UserDataDir)
	})
}

func TestConfigSetters(t *testing.T) {
	var cfg Interface = NewDefaultConfig()

	cfg.SetBrowserHeadless(false)
	cfg.SetBrowserIgnoreTLSErrors(true)
	cfg.SetBrowserProxy("http://127.0.0.1:8888")
	cfg.SetNetworkBlacklist([]string{"*.css"})
	cfg.SetNetworkWhitelist([]string{"http://127.0.0.1*"})
	cfg.SetDriverAppHost("http://app.test")
	cfg.SetDriverWaitTimeout(3 * time.Second)
	cfg.SetDriverFrameTimeout(4 * time.Second)

	assert.False(t, cfg.Browser().Headless)
	assert.True(t, cfg.Browser().IgnoreTLSErrors)
	assert.Equal(t, "http://127.0.0.1:8888", cfg.Browser().Proxy)
	assert.Equal(t, []string{"*.css"}, cfg.Network().Blacklist)
	assert.Equal(t, []string{"http://127.0.0.1*"}, cfg.Network().Whitelist)
	assert.Equal(t, "http://app.test", cfg.Driver().AppHost)
	assert.Equal(t, 3*time.Second, cfg.Driver().WaitTimeout)
	assert.Equal(t, 4*time.Second, cfg.Driver().FrameTimeout)
}
