package geoip

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

func writeZone(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestLoadDirParsesZoneFiles(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "aa.zone", "1.2.3.0/24\n# comment\n\n1.2.4.0/24\n")
	writeZone(t, dir, "bb.zone", "5.6.0.0/16\n2001:db8::/32\n")

	entries, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}

	byCountry := make(map[string]int)
	for _, e := range entries {
		byCountry[e.Country]++
	}
	if byCountry["AA"] != 2 || byCountry["BB"] != 2 {
		t.Errorf("unexpected country distribution: %v", byCountry)
	}
}

func TestLoadDirSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "cc.zone", "1.2.3.0/24\nnot-a-cidr\n300.0.0.0/8\n4.5.6.0/24\n")

	entries, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 valid entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Country != "CC" {
			t.Errorf("unexpected country %q", e.Country)
		}
	}
}

func TestLoadDirMasksHostBits(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "dd.zone", "1.2.3.77/24\n")

	entries, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	want := netip.MustParsePrefix("1.2.3.0/24")
	if entries[0].Prefix != want {
		t.Errorf("prefix not masked: got %v, want %v", entries[0].Prefix, want)
	}
}

func TestLoadDirEmptyDirectoryFails(t *testing.T) {
	if _, err := LoadDir(t.TempDir()); err == nil {
		t.Fatal("expected error for directory with no zone files")
	}
}
