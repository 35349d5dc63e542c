// Package geoip maps addresses to country codes using longest-prefix match
// over CIDR blocks loaded in bulk from per-country zone files. Lookups run on
// the pipeline's control goroutine; reloads build a fresh trie and swap it
// atomically so readers never observe a partially loaded table.
package geoip

import (
	"net/netip"
	"sync/atomic"
)

// Unknown is returned for addresses no loaded block covers. It is a sentinel,
// never an error: an unmatched address simply has no known origin.
const Unknown = "unknown"

// Entry is one CIDR block attributed to a country.
type Entry struct {
	Prefix  netip.Prefix
	Country string
}

// Table is the swap-on-load lookup structure.
type Table struct {
	active atomic.Pointer[tries]
}

type tries struct {
	v4 bitTrie
	v6 bitTrie
}

// bitTrie is a read-only binary trie over prefix bits. Nodes live in a slice
// so child links are small integer indices instead of pointers.
type bitTrie struct {
	nodes []trieNode
}

type trieNode struct {
	child   [2]int32 // 0 = unset
	country string
}

// NewTable returns an empty table; every lookup yields Unknown until Load.
func NewTable() *Table {
	t := &Table{}
	t.active.Store(&tries{v4: newBitTrie(), v6: newBitTrie()})
	return t
}

// Load replaces the active table with one built from entries. Entries with
// invalid prefixes must be filtered by the loader; Load assumes clean input.
func (t *Table) Load(entries []Entry) {
	next := &tries{v4: newBitTrie(), v6: newBitTrie()}
	for _, e := range entries {
		addr := e.Prefix.Addr().Unmap()
		if addr.Is4() {
			next.v4.insert(addrBits(addr), e.Prefix.Bits(), e.Country)
		} else {
			next.v6.insert(addrBits(addr), e.Prefix.Bits(), e.Country)
		}
	}
	t.active.Store(next)
}

// Lookup returns the country code of the longest prefix covering addr, or
// Unknown when nothing matches or the address is invalid.
func (t *Table) Lookup(addr netip.Addr) string {
	if !addr.IsValid() {
		return Unknown
	}
	addr = addr.Unmap()
	current := t.active.Load()
	bits := addrBits(addr)
	if addr.Is4() {
		return current.v4.longestMatch(bits, 32)
	}
	return current.v6.longestMatch(bits, 128)
}

func newBitTrie() bitTrie {
	return bitTrie{nodes: make([]trieNode, 1)}
}

func (tr *bitTrie) insert(bits []byte, prefixLen int, country string) {
	state := int32(0)
	for i := 0; i < prefixLen; i++ {
		b := bit(bits, i)
		next := tr.nodes[state].child[b]
		if next == 0 {
			next = int32(len(tr.nodes))
			tr.nodes = append(tr.nodes, trieNode{})
			tr.nodes[state].child[b] = next
		}
		state = next
	}
	tr.nodes[state].country = country
}

func (tr *bitTrie) longestMatch(bits []byte, maxBits int) string {
	state := int32(0)
	best := Unknown
	if tr.nodes[0].country != "" {
		best = tr.nodes[0].country
	}
	for i := 0; i < maxBits; i++ {
		next := tr.nodes[state].child[bit(bits, i)]
		if next == 0 {
			break
		}
		state = next
		if cc := tr.nodes[state].country; cc != "" {
			best = cc
		}
	}
	return best
}

func addrBits(addr netip.Addr) []byte {
	if addr.Is4() {
		b := addr.As4()
		return b[:]
	}
	b := addr.As16()
	return b[:]
}

func bit(bytes []byte, i int) int {
	return int(bytes[i/8]>>(7-uint(i%8))) & 1
}
