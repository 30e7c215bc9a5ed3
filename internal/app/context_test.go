package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"maintline/internal/config"
	"maintline/internal/db"
	"maintline/internal/engine"
	"maintline/internal/logging"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(context.Background(), Options{Workspace: dir, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config.Site.ID != "default-site" {
		t.Fatalf("unexpected site %s", a.Config.Site.ID)
	}
	if _, err := os.Stat(db.Path(dir)); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if _, err := a.Engine.CreateMachine(context.Background(), engine.CreateMachineOptions{Name: "Saw", ActorID: "admin"}); err != nil {
		t.Fatalf("engine not usable: %v", err)
	}
}

func TestResolveConfigPrefersExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	if err := os.WriteFile(path, []byte("site:\n  id: north\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(config.Path(dir), []byte("site:\n  id: south\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := ResolveConfig(dir, path)
	if err != nil || cfg.Site.ID != "north" {
		t.Fatalf("explicit path: %+v %v", cfg, err)
	}
	cfg, err = ResolveConfig(dir, "")
	if err != nil || cfg.Site.ID != "south" {
		t.Fatalf("workspace config: %+v %v", cfg, err)
	}
}
