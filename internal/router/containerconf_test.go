package router

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadHostConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdevd.yaml")
	os.WriteFile(path, []byte(`
db_dir: /run/cdev/db
containers:
  web:
    - docker
`), 0644)

	cfg, err := LoadHostConfig(path)
	if err != nil {
		t.Fatalf("LoadHostConfig: %v", err)
	}
	if cfg.DBDir != "/run/cdev/db" {
		t.Errorf("DBDir = %q", cfg.DBDir)
	}
	if len(cfg.Containers["web"]) != 1 || cfg.Containers["web"][0] != "docker" {
		t.Errorf("Containers[web] = %v", cfg.Containers["web"])
	}
}

func TestLoadHostConfigMissingFile(t *testing.T) {
	_, err := LoadHostConfig(filepath.Join(t.TempDir(), "ghost.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
