package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveCreatesParentDirAndRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.json")

	cfg := DefaultConfig()
	cfg.Workers = 6
	cfg.AbortGrace = Duration(3 * time.Second)
	cfg.Commands["resize"] = CommandProfile{
		Command: "convert",
		Args:    []string{"-resize", "28x28"},
		Env:     map[string]string{"MAGICK_THREAD_LIMIT": "1"},
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Workers != 6 {
		t.Errorf("workers = %d, want 6", loaded.Workers)
	}
	if time.Duration(loaded.AbortGrace) != 3*time.Second {
		t.Errorf("abort_grace = %s, want 3s", time.Duration(loaded.AbortGrace))
	}
	resize := loaded.Commands["resize"]
	if resize.Command != "convert" || len(resize.Args) != 2 || resize.Env["MAGICK_THREAD_LIMIT"] != "1" {
		t.Errorf("resize profile = %+v", resize)
	}
}

func TestSaveWritesDurationAsString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"abort_grace": "10s"`) {
		t.Errorf("abort_grace not written as a duration string:\n%s", data)
	}
}

func TestSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	first := DefaultConfig()
	first.ListenAddr = ":7000"
	if err := Save(first, path); err != nil {
		t.Fatal(err)
	}
	second := DefaultConfig()
	second.ListenAddr = ":7001"
	if err := Save(second, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ListenAddr != ":7001" {
		t.Errorf("listen_addr = %q, want :7001", loaded.ListenAddr)
	}
}
