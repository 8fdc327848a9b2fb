package config

import "testing"

func TestDefaultsLoad(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Role != "background" || cfg.Namespace != "sandbus" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.InstanceID() != nil {
		t.Fatalf("instance must default to unset")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SANDBUS_LOG_LEVEL", "debug")
	t.Setenv("SANDBUS_ROLE", "content-script")
	t.Setenv("SANDBUS_INSTANCE", "4")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Role != "content-script" {
		t.Fatalf("env overrides ignored: %+v", cfg)
	}
	if id := cfg.InstanceID(); id == nil || *id != 4 {
		t.Fatalf("instance override ignored: %v", id)
	}
}

func TestInvalidRoleRejected(t *testing.T) {
	t.Setenv("SANDBUS_ROLE", "sidebar")
	if _, err := Load(""); err == nil {
		t.Fatalf("bogus role must not validate")
	}
}
