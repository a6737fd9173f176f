package store

import (
	"path/filepath"
	"testing"
)

type blob struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ok, err := s.Load("missing", &blob{})
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key to report not found")
	}

	want := blob{Name: "travian1.server", Count: 3}
	if err := s.Save(KeyConfig("travian1.server"), want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got blob
	ok, err = s.Load(KeyConfig("travian1.server"), &got)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestFileStoreSanitizesKeyNames(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	key := KeyConfig("ts5.travian.com:443")
	if err := s.Save(key, blob{Name: "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	if len(matches) != 1 {
		t.Fatalf("expected exactly one json file, got %v", matches)
	}
	for _, r := range filepath.Base(matches[0]) {
		if r == '.' || r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		t.Fatalf("file name %q contains unsanitized character %q", matches[0], r)
	}
}

func TestFileStoreDeleteAndKeys(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	_ = s.Save(KeyConfig("a"), blob{Name: "a"})
	_ = s.Save(KeyConfig("b"), blob{Name: "b"})
	_ = s.Save(KeyState("a"), blob{Name: "state-a"})

	keys, err := s.Keys("bot_config__")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 config keys, got %v", keys)
	}

	if err := s.Delete(KeyConfig("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, _ := s.Load(KeyConfig("a"), &blob{})
	if ok {
		t.Fatalf("expected deleted key to be gone")
	}

	// Delete of an already-absent key must not error.
	if err := s.Delete(KeyConfig("a")); err != nil {
		t.Fatalf("Delete of absent key: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	_ = s.Save("bot_config", map[string]interface{}{"autoFarm": true})

	guess := func() string { return "ts5.travian.com" }

	if err := Migrate(s, guess); err != nil {
		t.Fatalf("first migrate: %v", err)
	}

	var regAfterFirst ServerRegistry
	ok, err := s.Load(KeyConfigRegistry, &regAfterFirst)
	if err != nil || !ok {
		t.Fatalf("expected registry after first migrate: ok=%v err=%v", ok, err)
	}
	if _, present := regAfterFirst.Servers["ts5.travian.com"]; !present {
		t.Fatalf("expected migrated server key in registry: %+v", regAfterFirst)
	}

	if err := Migrate(s, guess); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var regAfterSecond ServerRegistry
	_, _ = s.Load(KeyConfigRegistry, &regAfterSecond)
	if len(regAfterSecond.Servers) != len(regAfterFirst.Servers) {
		t.Fatalf("second migrate changed registry: %+v vs %+v", regAfterSecond, regAfterFirst)
	}
}
