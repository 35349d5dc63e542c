package geoip

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

// A snapshot is a compiled form of a zone directory stored in Pebble so the
// daemon (and cmd/geoipsnap) can skip reparsing thousands of zone files on
// startup. Keys are sorted by address family and prefix bytes; values carry
// the country code.

const (
	snapshotVersion = 1

	snapshotPrefixV4 = byte('4')
	snapshotPrefixV6 = byte('6')

	snapshotMetaVersion = "meta|version"
	snapshotMetaBuiltAt = "meta|built_at"
	snapshotMetaRows    = "meta|rows"
)

var (
	snapshotV4Lower = []byte{snapshotPrefixV4}
	snapshotV4Upper = []byte{snapshotPrefixV4 + 1}
	snapshotV6Lower = []byte{snapshotPrefixV6}
	snapshotV6Upper = []byte{snapshotPrefixV6 + 1}
)

// WriteSnapshot compiles entries into a fresh Pebble database at path,
// replacing whatever was there.
func WriteSnapshot(path string, entries []Entry) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("geoip: snapshot path is empty")
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("geoip: clear snapshot: %w", err)
	}
	db, err := pebble.Open(path, snapshotOptions(false))
	if err != nil {
		return fmt.Errorf("geoip: snapshot open: %w", err)
	}
	defer db.Close()

	batch := db.NewBatch()
	for _, e := range entries {
		if err := batch.Set(snapshotKey(e.Prefix), []byte(e.Country), nil); err != nil {
			_ = batch.Close()
			return fmt.Errorf("geoip: snapshot set: %w", err)
		}
	}
	if err := batch.Set([]byte(snapshotMetaVersion), []byte(strconv.Itoa(snapshotVersion)), nil); err != nil {
		_ = batch.Close()
		return fmt.Errorf("geoip: snapshot meta: %w", err)
	}
	if err := batch.Set([]byte(snapshotMetaBuiltAt), []byte(time.Now().UTC().Format(time.RFC3339)), nil); err != nil {
		_ = batch.Close()
		return fmt.Errorf("geoip: snapshot meta: %w", err)
	}
	if err := batch.Set([]byte(snapshotMetaRows), []byte(strconv.Itoa(len(entries))), nil); err != nil {
		_ = batch.Close()
		return fmt.Errorf("geoip: snapshot meta: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("geoip: snapshot commit: %w", err)
	}
	return nil
}

// LoadSnapshot reads all entries back from a compiled snapshot. The returned
// time is when the snapshot was built.
func LoadSnapshot(path string) ([]Entry, time.Time, error) {
	if strings.TrimSpace(path) == "" {
		return nil, time.Time{}, errors.New("geoip: snapshot path is empty")
	}
	db, err := pebble.Open(path, snapshotOptions(true))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("geoip: snapshot open: %w", err)
	}
	defer db.Close()

	if version, err := readMetaInt(db, snapshotMetaVersion); err != nil {
		return nil, time.Time{}, fmt.Errorf("geoip: snapshot version: %w", err)
	} else if version != snapshotVersion {
		return nil, time.Time{}, fmt.Errorf("geoip: snapshot version %d unsupported (expected %d)", version, snapshotVersion)
	}
	builtAt := time.Time{}
	if raw, err := readMeta(db, snapshotMetaBuiltAt); err == nil {
		if t, parseErr := time.Parse(time.RFC3339, string(raw)); parseErr == nil {
			builtAt = t
		}
	}

	var entries []Entry
	for _, bounds := range [][2][]byte{
		{snapshotV4Lower, snapshotV4Upper},
		{snapshotV6Lower, snapshotV6Upper},
	} {
		rangeEntries, err := readRange(db, bounds[0], bounds[1])
		if err != nil {
			return nil, time.Time{}, err
		}
		entries = append(entries, rangeEntries...)
	}
	return entries, builtAt, nil
}

func readRange(db *pebble.DB, lower, upper []byte) ([]Entry, error) {
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("geoip: snapshot iter: %w", err)
	}
	defer iter.Close()

	var entries []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		prefix, ok := decodeSnapshotKey(iter.Key())
		if !ok {
			continue
		}
		entries = append(entries, Entry{Prefix: prefix, Country: string(iter.Value())})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("geoip: snapshot scan: %w", err)
	}
	return entries, nil
}

// snapshotKey encodes family prefix + address bytes + prefix length so keys
// sort by range start within each family.
func snapshotKey(prefix netip.Prefix) []byte {
	addr := prefix.Addr().Unmap()
	if addr.Is4() {
		raw := addr.As4()
		key := make([]byte, 0, 1+4+1)
		key = append(key, snapshotPrefixV4)
		key = append(key, raw[:]...)
		key = append(key, byte(prefix.Bits()))
		return key
	}
	raw := addr.As16()
	key := make([]byte, 0, 1+16+1)
	key = append(key, snapshotPrefixV6)
	key = append(key, raw[:]...)
	key = append(key, byte(prefix.Bits()))
	return key
}

func decodeSnapshotKey(key []byte) (netip.Prefix, bool) {
	if len(key) < 2 {
		return netip.Prefix{}, false
	}
	switch key[0] {
	case snapshotPrefixV4:
		if len(key) != 6 {
			return netip.Prefix{}, false
		}
		var raw [4]byte
		copy(raw[:], key[1:5])
		return netip.PrefixFrom(netip.AddrFrom4(raw), int(key[5])), true
	case snapshotPrefixV6:
		if len(key) != 18 {
			return netip.Prefix{}, false
		}
		var raw [16]byte
		copy(raw[:], key[1:17])
		return netip.PrefixFrom(netip.AddrFrom16(raw), int(key[17])), true
	}
	return netip.Prefix{}, false
}

func snapshotOptions(readOnly bool) *pebble.Options {
	opts := &pebble.Options{ReadOnly: readOnly}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(10),
		FilterType:   pebble.TableFilter,
	}
	opts.Levels = make([]pebble.LevelOptions, 7)
	for i := range opts.Levels {
		opts.Levels[i] = level
	}
	return opts
}

func readMeta(db *pebble.DB, key string) ([]byte, error) {
	value, closer, err := db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), value...)
	_ = closer.Close()
	return out, nil
}

func readMetaInt(db *pebble.DB, key string) (int, error) {
	raw, err := readMeta(db, key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(raw))
}
