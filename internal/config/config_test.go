package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Locales.Default != "en" {
		t.Fatalf("expected en default locale, got %q", cfg.Locales.Default)
	}
	if cfg.RBAC.DefaultRole != "member" {
		t.Fatalf("expected member default role, got %q", cfg.RBAC.DefaultRole)
	}
	if len(cfg.Categories) == 0 {
		t.Fatalf("expected seeded categories")
	}
	if cfg.DispatchInterval() != 2*time.Second {
		t.Fatalf("unexpected interval %s", cfg.DispatchInterval())
	}
}

func TestValidateRejectsUnknownParent(t *testing.T) {
	_, err := FromYAML([]byte(`locales:
  default: en
categories:
  - id: a
    name: A
    parent: missing
rbac:
  roles:
    member:
      permissions: [exchange.create]
`))
	if err == nil {
		t.Fatalf("expected unknown parent error")
	}
}

func TestValidateRejectsBadLocale(t *testing.T) {
	cfg := Default()
	cfg.Locales.Available = append(cfg.Locales.Available, "not a tag!")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected locale validation error")
	}
}

func TestValidateRejectsUndefinedDefaultRole(t *testing.T) {
	cfg := Default()
	cfg.RBAC.DefaultRole = "ghost"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected default role error")
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Locales.Default != "en" {
		t.Fatalf("expected default config")
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected Load to fail without a file")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	data := GenerateDefault() + "\n"
	if err := os.WriteFile(filepath.Join(dir, "joatu.yml"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := cfg.RBAC.Roles["manager"]; !ok {
		t.Fatalf("expected manager role")
	}
}
