package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchBootstrapConfFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.hcl")
	if err := os.WriteFile(path, []byte(validBootstrap), 0o644); err != nil {
		t.Fatalf("write initial conf: %v", err)
	}

	reloaded := make(chan *BootstrapConf, 1)
	w, err := WatchBootstrapConf(path, nil, func(c *BootstrapConf, err error) {
		if err == nil {
			reloaded <- c
		}
	})
	if err != nil {
		t.Fatalf("WatchBootstrapConf: %v", err)
	}
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	updated := validBootstrap + "\n# touch\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite conf: %v", err)
	}

	select {
	case conf := <-reloaded:
		if conf.DIFName != "normal.DIF" {
			t.Fatalf("expected reloaded dif_name normal.DIF, got %q", conf.DIFName)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired on write")
	}
}
