// Package irc provides the line-protocol transport for the moderation
// pipeline: a reconnecting client plus a parser that turns raw server lines
// into a closed set of typed events. The pipeline consumes the event channel
// and issues commands back through the client; it never touches raw lines.
package irc

import (
	"fmt"
	"net/netip"
	"strings"
)

// Event is the closed union of protocol events the pipeline reacts to.
// Every concrete variant is a struct in this file; unknown server lines
// parse to nil and are dropped at the transport.
type Event interface {
	eventTag()
}

// Source identifies the origin of a message or membership change.
type Source struct {
	Nick  string
	Ident string
	Host  string
	Raw   string // nick!ident@host as received
}

// IdentHost returns the ident@host pair used to derive trust keys.
func (s Source) IdentHost() string {
	return s.Ident + "@" + s.Host
}

// JoinEvent is emitted when a user enters a channel.
type JoinEvent struct {
	Channel string
	Source  Source
}

// PartEvent is emitted when a user leaves a channel voluntarily.
type PartEvent struct {
	Channel string
	Nick    string
}

// KickEvent is emitted when a user is removed from a channel.
type KickEvent struct {
	Channel string
	Target  string
}

// QuitEvent is emitted when a user disconnects from the network.
type QuitEvent struct {
	Nick string
}

// NickEvent is emitted when a user changes nick.
type NickEvent struct {
	Old string
	New string
}

// PrivmsgEvent carries channel and private messages.
type PrivmsgEvent struct {
	Target string // channel name or our nick
	Source Source
	Text   string
}

// WhoisIPEvent carries the "actually using host" numeric (338) reply to an
// identity query. Addr is invalid when the server reported a hostname we
// could not parse as a literal address.
type WhoisIPEvent struct {
	Nick string
	Addr netip.Addr
}

// WhoisUserEvent carries RPL_WHOISUSER (311): ident, host and real name.
type WhoisUserEvent struct {
	Nick     string
	Ident    string
	Host     string
	RealName string
}

// WhoisServerEvent carries RPL_WHOISSERVER (312).
type WhoisServerEvent struct {
	Nick   string
	Server string
}

// NamesEvent carries one RPL_NAMREPLY (353) chunk of channel membership.
type NamesEvent struct {
	Channel string
	Members []NameEntry
}

// NameEntry is a single member from a NAMES reply with status prefixes.
type NameEntry struct {
	Nick   string
	Op     bool
	Voiced bool
}

// ModeEvent carries channel mode changes that affect member status.
type ModeEvent struct {
	Channel string
	Changes []ModeChange
}

// ModeChange is one flag from a MODE line; Arg is the affected nick or mask.
type ModeChange struct {
	Mode byte
	Add  bool
	Arg  string
}

// WelcomeEvent (001) signals successful registration.
type WelcomeEvent struct{}

// NickInUseEvent (433) signals the requested nick was taken.
type NickInUseEvent struct {
	Wanted string
}

// DisconnectEvent is synthesized by the client when the connection drops.
type DisconnectEvent struct{}

// pingEvent stays internal to the client; PONG is answered at the transport.
type pingEvent struct {
	Token string
}

func (JoinEvent) eventTag()        {}
func (PartEvent) eventTag()        {}
func (KickEvent) eventTag()        {}
func (QuitEvent) eventTag()        {}
func (NickEvent) eventTag()        {}
func (PrivmsgEvent) eventTag()     {}
func (WhoisIPEvent) eventTag()     {}
func (WhoisUserEvent) eventTag()   {}
func (WhoisServerEvent) eventTag() {}
func (NamesEvent) eventTag()       {}
func (ModeEvent) eventTag()        {}
func (WelcomeEvent) eventTag()     {}
func (NickInUseEvent) eventTag()   {}
func (DisconnectEvent) eventTag()  {}
func (pingEvent) eventTag()        {}

// ParseLine parses one raw server line into an Event. Lines that are well
// formed but irrelevant return (nil, nil); malformed lines return an error
// so the caller can log and drop them.
func ParseLine(line string) (Event, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, nil
	}

	var prefix string
	rest := line
	if strings.HasPrefix(rest, ":") {
		idx := strings.IndexByte(rest, ' ')
		if idx < 0 {
			return nil, fmt.Errorf("irc: prefix-only line %q", line)
		}
		prefix = rest[1:idx]
		rest = rest[idx+1:]
	}

	var trailing string
	hasTrailing := false
	if idx := strings.Index(rest, " :"); idx >= 0 {
		trailing = rest[idx+2:]
		rest = rest[:idx]
		hasTrailing = true
	} else if strings.HasPrefix(rest, ":") {
		trailing = rest[1:]
		rest = ""
		hasTrailing = true
	}
	params := strings.Fields(rest)
	if len(params) == 0 {
		return nil, fmt.Errorf("irc: empty command in %q", line)
	}
	command := strings.ToUpper(params[0])
	params = params[1:]

	src := parseSource(prefix)

	switch command {
	case "PING":
		token := trailing
		if !hasTrailing && len(params) > 0 {
			token = params[0]
		}
		return pingEvent{Token: token}, nil
	case "JOIN":
		channel := trailing
		if !hasTrailing || channel == "" {
			if len(params) == 0 {
				return nil, fmt.Errorf("irc: JOIN without channel in %q", line)
			}
			channel = params[0]
		}
		if src.Nick == "" {
			return nil, fmt.Errorf("irc: JOIN without source in %q", line)
		}
		return JoinEvent{Channel: channel, Source: src}, nil
	case "PART":
		if len(params) == 0 {
			return nil, fmt.Errorf("irc: PART without channel in %q", line)
		}
		return PartEvent{Channel: params[0], Nick: src.Nick}, nil
	case "KICK":
		if len(params) < 2 {
			return nil, fmt.Errorf("irc: KICK missing target in %q", line)
		}
		return KickEvent{Channel: params[0], Target: params[1]}, nil
	case "QUIT":
		if src.Nick == "" {
			return nil, fmt.Errorf("irc: QUIT without source in %q", line)
		}
		return QuitEvent{Nick: src.Nick}, nil
	case "NICK":
		newNick := trailing
		if newNick == "" {
			if len(params) == 0 {
				return nil, fmt.Errorf("irc: NICK without target in %q", line)
			}
			newNick = params[0]
		}
		return NickEvent{Old: src.Nick, New: newNick}, nil
	case "PRIVMSG":
		if len(params) == 0 {
			return nil, fmt.Errorf("irc: PRIVMSG without target in %q", line)
		}
		return PrivmsgEvent{Target: params[0], Source: src, Text: trailing}, nil
	case "MODE":
		return parseMode(params, line)
	case "001":
		return WelcomeEvent{}, nil
	case "311":
		// ":srv 311 me nick user host * :real name"
		if len(params) < 4 {
			return nil, fmt.Errorf("irc: short 311 reply %q", line)
		}
		return WhoisUserEvent{Nick: params[1], Ident: params[2], Host: params[3], RealName: trailing}, nil
	case "312":
		// ":srv 312 me nick server.name :server info"
		if len(params) < 3 {
			return nil, fmt.Errorf("irc: short 312 reply %q", line)
		}
		return WhoisServerEvent{Nick: params[1], Server: params[2]}, nil
	case "338":
		return parseWhoisIP(params, line)
	case "353":
		return parseNames(params, trailing, line)
	case "433":
		wanted := ""
		if len(params) >= 2 {
			wanted = params[1]
		}
		return NickInUseEvent{Wanted: wanted}, nil
	}
	return nil, nil
}

func parseSource(prefix string) Source {
	src := Source{Raw: prefix}
	if prefix == "" {
		return src
	}
	bang := strings.IndexByte(prefix, '!')
	if bang < 0 {
		// server prefix
		return src
	}
	src.Nick = prefix[:bang]
	rest := prefix[bang+1:]
	at := strings.IndexByte(rest, '@')
	if at < 0 {
		src.Ident = rest
		return src
	}
	src.Ident = rest[:at]
	src.Host = rest[at+1:]
	return src
}

// parseWhoisIP handles the two common shapes of numeric 338:
// ":srv 338 me nick 1.2.3.4 :actually using host" and
// ":srv 338 me nick user@host 1.2.3.4 :Actual user@host, Actual IP".
func parseWhoisIP(params []string, line string) (Event, error) {
	if len(params) < 3 {
		return nil, fmt.Errorf("irc: short 338 reply %q", line)
	}
	nick := params[1]
	for _, candidate := range params[2:] {
		if addr, err := netip.ParseAddr(candidate); err == nil {
			return WhoisIPEvent{Nick: nick, Addr: addr}, nil
		}
	}
	// Some servers put a hostname here; the pipeline treats an invalid
	// address as "identity query gave no usable answer".
	return WhoisIPEvent{Nick: nick}, nil
}

func parseNames(params []string, trailing, line string) (Event, error) {
	// params: me [=|*|@] #channel, trailing: "@op +voiced plain"
	channel := ""
	for _, p := range params[1:] {
		if strings.HasPrefix(p, "#") || strings.HasPrefix(p, "&") {
			channel = p
			break
		}
	}
	if channel == "" {
		return nil, fmt.Errorf("irc: 353 without channel in %q", line)
	}
	fields := strings.Fields(trailing)
	members := make([]NameEntry, 0, len(fields))
	for _, f := range fields {
		entry := NameEntry{}
		for len(f) > 0 {
			switch f[0] {
			case '@':
				entry.Op = true
				f = f[1:]
				continue
			case '+':
				entry.Voiced = true
				f = f[1:]
				continue
			case '%', '&', '~':
				entry.Op = true // treat elevated prefixes as op-equivalent
				f = f[1:]
				continue
			}
			break
		}
		if f == "" {
			continue
		}
		entry.Nick = f
		members = append(members, entry)
	}
	return NamesEvent{Channel: channel, Members: members}, nil
}

func parseMode(params []string, line string) (Event, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("irc: MODE missing args in %q", line)
	}
	target := params[0]
	if !strings.HasPrefix(target, "#") && !strings.HasPrefix(target, "&") {
		return nil, nil // user modes are not tracked
	}
	flags := params[1]
	args := params[2:]
	add := true
	changes := make([]ModeChange, 0, len(flags))
	for i := 0; i < len(flags); i++ {
		switch flags[i] {
		case '+':
			add = true
		case '-':
			add = false
		default:
			change := ModeChange{Mode: flags[i], Add: add}
			if takesArg(flags[i]) && len(args) > 0 {
				change.Arg = args[0]
				args = args[1:]
			}
			changes = append(changes, change)
		}
	}
	return ModeEvent{Channel: target, Changes: changes}, nil
}

// takesArg covers the channel modes this bot cares about; anything else with
// an argument is rare enough that misalignment only affects untracked modes.
func takesArg(mode byte) bool {
	switch mode {
	case 'o', 'v', 'h', 'b', 'k', 'l':
		return true
	}
	return false
}
