package config

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/oxidedb.yaml", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":27017" {
		t.Errorf("ListenAddr = %q, want :27017", cfg.ListenAddr)
	}
	if cfg.MaxConns != 10 {
		t.Errorf("MaxConns = %d, want 10", cfg.MaxConns)
	}
	if cfg.Shadow.SampleRate != 0 {
		t.Errorf("Shadow.SampleRate = %v, want 0", cfg.Shadow.SampleRate)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("OXIDEDB_LISTEN_ADDR", ":27018")
	t.Setenv("OXIDEDB_SHADOW_SAMPLE_RATE", "0.5")

	cfg, err := Load("/nonexistent/oxidedb.yaml", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":27018" {
		t.Errorf("ListenAddr = %q, want :27018", cfg.ListenAddr)
	}
	if cfg.Shadow.SampleRate != 0.5 {
		t.Errorf("Shadow.SampleRate = %v, want 0.5", cfg.Shadow.SampleRate)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("OXIDEDB_LISTEN_ADDR", ":27018")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen-addr", ":27019", "")
	if err := flags.Set("listen-addr", ":27020"); err != nil {
		t.Fatalf("flags.Set: %v", err)
	}

	cfg, err := Load("/nonexistent/oxidedb.yaml", flags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":27020" {
		t.Errorf("ListenAddr = %q, want :27020", cfg.ListenAddr)
	}
}

func TestShadowConfigToComparatorConfigUsesDefaultsWhenUnset(t *testing.T) {
	sc := ShadowConfig{UpstreamAddr: "127.0.0.1:27018", SampleRate: 0.1}
	cc := sc.ToComparatorConfig()
	if cc.UpstreamAddr != "127.0.0.1:27018" {
		t.Errorf("UpstreamAddr = %q", cc.UpstreamAddr)
	}
	if cc.Timeout <= 0 {
		t.Errorf("Timeout should fall back to shadow.DefaultConfig's value, got %v", cc.Timeout)
	}
	if len(cc.IgnoreTopLevel) == 0 {
		t.Errorf("IgnoreTopLevel should inherit shadow.DefaultConfig's list")
	}
}
