// Package policy holds the per-channel moderation toggles. The table is
// mutated only on the pipeline's control goroutine, so it carries no locking.
package policy

import (
	"fmt"
	"strings"
)

// ChallengeMode selects how aggressively joiners are challenged.
type ChallengeMode string

const (
	ChallengeOff    ChallengeMode = "OFF"
	ChallengeSoft   ChallengeMode = "SOFT"
	ChallengeSecure ChallengeMode = "SECURE"
)

// ParseChallengeMode normalizes a user-supplied mode string.
func ParseChallengeMode(s string) (ChallengeMode, bool) {
	switch ChallengeMode(strings.ToUpper(strings.TrimSpace(s))) {
	case ChallengeOff:
		return ChallengeOff, true
	case ChallengeSoft:
		return ChallengeSoft, true
	case ChallengeSecure:
		return ChallengeSecure, true
	}
	return "", false
}

// Channel is the policy for one channel. The zero value (absent entry) has
// everything off.
type Channel struct {
	Challenge ChallengeMode
	GeoBan    bool
	DNSBL     bool
	AutoVoice bool
}

// Table maps case-insensitive channel names to policies.
type Table struct {
	channels map[string]Channel
}

// NewTable returns an empty policy table.
func NewTable() *Table {
	return &Table{channels: make(map[string]Channel)}
}

// Get returns the policy for a channel; absent entries behave as all-off.
func (t *Table) Get(channel string) Channel {
	p := t.channels[key(channel)]
	if p.Challenge == "" {
		p.Challenge = ChallengeOff
	}
	return p
}

// Set replaces the policy for a channel.
func (t *Table) Set(channel string, p Channel) {
	if p.Challenge == "" {
		p.Challenge = ChallengeOff
	}
	t.channels[key(channel)] = p
}

// SetParam applies one runtime `set <channel> <param> <value>` change.
func (t *Table) SetParam(channel, param, value string) error {
	p := t.Get(channel)
	switch strings.ToLower(strings.TrimSpace(param)) {
	case "challenge", "seclevel":
		mode, ok := ParseChallengeMode(value)
		if !ok {
			return fmt.Errorf("unknown challenge mode %q (want off, soft or secure)", value)
		}
		p.Challenge = mode
	case "geoban":
		on, err := parseBool(value)
		if err != nil {
			return err
		}
		p.GeoBan = on
	case "dnsbl":
		on, err := parseBool(value)
		if err != nil {
			return err
		}
		p.DNSBL = on
	case "autovoice":
		on, err := parseBool(value)
		if err != nil {
			return err
		}
		p.AutoVoice = on
	default:
		return fmt.Errorf("unknown parameter %q (want challenge, geoban, dnsbl or autovoice)", param)
	}
	t.Set(channel, p)
	return nil
}

// Describe renders a channel's policy for control command replies.
func (t *Table) Describe(channel string) string {
	p := t.Get(channel)
	return fmt.Sprintf("%s: challenge=%s geoban=%s dnsbl=%s autovoice=%s",
		channel, strings.ToLower(string(p.Challenge)), onOff(p.GeoBan), onOff(p.DNSBL), onOff(p.AutoVoice))
}

func key(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("unknown value %q (want on or off)", value)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
