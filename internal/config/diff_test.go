package config_test

import (
	"testing"

	"github.com/caavoice/evibridge/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	a := &config.Config{}
	b := &config.Config{}
	d := config.Diff(a, b)
	if d.HasChanges() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	a := &config.Config{}
	a.Server.LogLevel = config.LogInfo
	b := &config.Config{}
	b.Server.LogLevel = config.LogDebug

	d := config.Diff(a, b)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged = false, want true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
}

func TestDiff_BridgeSettings(t *testing.T) {
	t.Parallel()
	a := &config.Config{}
	a.Bridge.DrainGrace = config.Duration(3e9)
	b := &config.Config{}
	b.Bridge.DrainGrace = config.Duration(5e9)

	d := config.Diff(a, b)
	if !d.BridgeChanged {
		t.Fatal("BridgeChanged = false, want true")
	}
	if d.NewBridge != b.Bridge {
		t.Errorf("NewBridge = %+v, want %+v", d.NewBridge, b.Bridge)
	}
}
