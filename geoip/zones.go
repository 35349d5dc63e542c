package geoip

import (
	"bufio"
	"fmt"
	"log"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

// LoadDir parses every *.zone file in dir into entries. The country code is
// the uppercased file basename (us.zone -> US); each line is one CIDR block.
// Malformed lines are skipped with a warning, never fatal.
func LoadDir(dir string) ([]Entry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.zone"))
	if err != nil {
		return nil, fmt.Errorf("geoip: glob %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("geoip: no zone files in %s", dir)
	}

	var entries []Entry
	for _, path := range paths {
		country := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), ".zone"))
		fileEntries, err := loadZoneFile(path, country)
		if err != nil {
			log.Printf("geoip: skipping %s: %v", path, err)
			continue
		}
		entries = append(entries, fileEntries...)
	}
	return entries, nil
}

func loadZoneFile(path, country string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	skipped := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prefix, err := netip.ParsePrefix(line)
		if err != nil {
			skipped++
			continue
		}
		entries = append(entries, Entry{Prefix: prefix.Masked(), Country: country})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		log.Printf("geoip: %s: skipped %d malformed lines", path, skipped)
	}
	return entries, nil
}
