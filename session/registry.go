// Package session tracks the ephemeral per-(channel, nick) identity records
// the moderation pipeline acts on. Records exist only while the nick is a
// known member of the channel; everything here is rebuilt from live
// membership events after a reconnect, nothing is persisted.
package session

import (
	"net/netip"
	"strings"
)

// Record is the per-member state, created on join with the raw identity and
// progressively enriched by identity-query replies.
type Record struct {
	Nick     string
	Ident    string
	Host     string     // hostname or literal address from the join event
	Addr     netip.Addr // resolved address; invalid until known
	Country  string     // "" until the trie has been consulted
	Server   string
	RealName string

	Op     bool
	Voiced bool

	// ReputationChecked marks that the geo/dnsbl decision for this record has
	// already run, so late duplicate identity replies do not re-ban.
	ReputationChecked bool
}

// IdentHost returns the ident@host pair trust keys derive from.
func (r *Record) IdentHost() string {
	return r.Ident + "@" + r.Host
}

// Registry owns all records, keyed by (channel, nick). Channels are
// case-insensitive; it is mutated only on the control goroutine.
type Registry struct {
	channels map[string]map[string]*Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]map[string]*Record)}
}

// Add inserts a record for a channel member, replacing any stale one.
func (r *Registry) Add(channel string, rec *Record) {
	ch := chanKey(channel)
	members := r.channels[ch]
	if members == nil {
		members = make(map[string]*Record)
		r.channels[ch] = members
	}
	members[nickKey(rec.Nick)] = rec
}

// Get returns the record for a member, if present.
func (r *Registry) Get(channel, nick string) (*Record, bool) {
	rec, ok := r.channels[chanKey(channel)][nickKey(nick)]
	return rec, ok
}

// Remove drops one member from one channel.
func (r *Registry) Remove(channel, nick string) {
	ch := chanKey(channel)
	members := r.channels[ch]
	if members == nil {
		return
	}
	delete(members, nickKey(nick))
	if len(members) == 0 {
		delete(r.channels, ch)
	}
}

// RemoveChannel drops every record for a channel (bot parted or was kicked).
func (r *Registry) RemoveChannel(channel string) {
	delete(r.channels, chanKey(channel))
}

// RemoveNick drops a nick from every channel (quit).
func (r *Registry) RemoveNick(nick string) {
	n := nickKey(nick)
	for ch, members := range r.channels {
		delete(members, n)
		if len(members) == 0 {
			delete(r.channels, ch)
		}
	}
}

// Rename mutates the nick component of the key in place across all channels;
// record identity (and any resolved enrichment) is preserved.
func (r *Registry) Rename(oldNick, newNick string) {
	oldKey, newKey := nickKey(oldNick), nickKey(newNick)
	for _, members := range r.channels {
		if rec, ok := members[oldKey]; ok {
			delete(members, oldKey)
			rec.Nick = newNick
			members[newKey] = rec
		}
	}
}

// ChannelsOf lists every channel a nick currently occupies.
func (r *Registry) ChannelsOf(nick string) []string {
	n := nickKey(nick)
	var out []string
	for ch, members := range r.channels {
		if _, ok := members[n]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// RecordsOf returns the record for a nick in every channel it occupies,
// paired with the channel name.
func (r *Registry) RecordsOf(nick string) map[string]*Record {
	n := nickKey(nick)
	out := make(map[string]*Record)
	for ch, members := range r.channels {
		if rec, ok := members[n]; ok {
			out[ch] = rec
		}
	}
	return out
}

// Members returns all records for a channel.
func (r *Registry) Members(channel string) []*Record {
	members := r.channels[chanKey(channel)]
	out := make([]*Record, 0, len(members))
	for _, rec := range members {
		out = append(out, rec)
	}
	return out
}

// Reset wipes everything; used on disconnect since membership is rebuilt
// from live events.
func (r *Registry) Reset() {
	r.channels = make(map[string]map[string]*Record)
}

// Size reports the total number of tracked records.
func (r *Registry) Size() int {
	total := 0
	for _, members := range r.channels {
		total += len(members)
	}
	return total
}

func chanKey(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}

// IRC nicks are case-insensitive; fold keys so NAMES, JOIN and WHOIS replies
// agree regardless of server casing.
func nickKey(nick string) string {
	return strings.ToLower(strings.TrimSpace(nick))
}
