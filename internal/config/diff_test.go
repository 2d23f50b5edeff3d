package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/callagent/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.PublicBaseURL = "https://agent.example.com"
	cfg.Gateway = config.GatewayConfig{AccountSID: "AC1", AuthToken: "t", FromNumber: "+1"}
	cfg.Providers.LLM = config.ProviderEntry{
		Name:      "groq",
		Fallbacks: []config.ProviderEntry{{Name: "openai"}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantLevel   bool
		wantScript  bool
		wantRestart []string
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
		},
		{
			name:      "log level",
			mutate:    func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLevel: true,
		},
		{
			name:       "apology",
			mutate:     func(c *config.Config) { c.Call.Script.Apology = "Oops." },
			wantScript: true,
		},
		{
			name:        "fallback model",
			mutate:      func(c *config.Config) { c.Providers.LLM.Fallbacks[0].Model = "gpt-4o" },
			wantRestart: []string{"providers"},
		},
		{
			name: "listen addr and storage",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":9999"
				c.Storage.Backend = config.StorageDisk
			},
			wantRestart: []string{"server", "storage"},
		},
		{
			name:        "trace sampling",
			mutate:      func(c *config.Config) { c.Server.TraceSampleRatio = 0.1 },
			wantRestart: []string{"server"},
		},
		{
			name:        "gateway token",
			mutate:      func(c *config.Config) { c.Gateway.AuthToken = "rotated" },
			wantRestart: []string{"gateway"},
		},
		{
			name:        "turn retry",
			mutate:      func(c *config.Config) { c.Turn.Retry.Attempts = 3 },
			wantRestart: []string{"turn"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, next := baseConfig(), baseConfig()
			tc.mutate(next)

			d := config.Diff(old, next)
			if d.LogLevelChanged != tc.wantLevel {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tc.wantLevel)
			}
			if d.ScriptChanged != tc.wantScript {
				t.Errorf("ScriptChanged = %v, want %v", d.ScriptChanged, tc.wantScript)
			}
			if d.Changed() != (tc.wantLevel || tc.wantScript) {
				t.Errorf("Changed() = %v", d.Changed())
			}
			if !slices.Equal(d.RestartRequired, tc.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tc.wantRestart)
			}
		})
	}
}
