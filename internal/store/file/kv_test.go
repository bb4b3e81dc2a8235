package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileKVStore_ApplyAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prefs", "preferences.json")

	s, err := NewFileKVStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "is_paired"); ok {
		t.Fatal("fresh store should be empty")
	}

	err = s.Apply(ctx, map[string]string{"is_paired": "true", "pairing_timestamp": "42"}, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Apply(ctx, nil, []string{"pairing_timestamp"}); err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	reopened, err := NewFileKVStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.GetMany(ctx, "is_paired", "pairing_timestamp", "missing")
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 1 || got["is_paired"] != "true" {
		t.Errorf("reloaded = %v, want only is_paired=true", got)
	}
}

func TestFileKVStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileKVStore(filepath.Join(dir, "preferences.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s.Apply(context.Background(), map[string]string{"k": "v"}, nil); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want only the preferences file", len(entries))
	}
}

func TestFileKVStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileKVStore(path); err == nil {
		t.Error("expected parse error for corrupt file")
	}
}
