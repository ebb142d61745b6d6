package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BridgeChanged is true when drain_grace or max_buffer changed. The new
	// values apply to sessions accepted after the reload; live sessions keep
	// the values they started with.
	BridgeChanged bool
	NewBridge     BridgeConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Bridge != new.Bridge {
		d.BridgeChanged = true
		d.NewBridge = new.Bridge
	}

	return d
}

// HasChanges reports whether the diff contains any hot-reloadable change.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.BridgeChanged
}
