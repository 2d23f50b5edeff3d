package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	ScriptChanged bool
	NewScript     ScriptConfig

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.ScriptChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Call.Script != new.Call.Script {
		d.ScriptChanged = true
		d.NewScript = new.Call.Script
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.PublicBaseURL != new.Server.PublicBaseURL ||
		old.Server.LogFormat != new.Server.LogFormat ||
		old.Server.InstanceID != new.Server.InstanceID ||
		old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Gateway != new.Gateway {
		d.RestartRequired = append(d.RestartRequired, "gateway")
	}
	if !sameEntry(old.Providers.STT, new.Providers.STT) ||
		!sameEntry(old.Providers.LLM, new.Providers.LLM) ||
		!sameEntry(old.Providers.TTS, new.Providers.TTS) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Turn != new.Turn || old.Voice != new.Voice {
		d.RestartRequired = append(d.RestartRequired, "turn")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Events != new.Events {
		d.RestartRequired = append(d.RestartRequired, "events")
	}

	return d
}

// sameEntry compares the scalar fields of two entries and their fallbacks.
// Options are not compared.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Timeout != b.Timeout || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}
