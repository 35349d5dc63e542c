package irc

import "testing"

func TestHandleLineNickChangeTracksOwnNickCaseInsensitively(t *testing.T) {
	c := NewClient(Options{Servers: []string{"irc.example.org:6667"}, Nickname: "guard"})

	// A server may echo our nick with different casing.
	c.handleLine(":GUARD!u@h.example NICK :guard_\r\n")
	if got := c.CurrentNick(); got != "guard_" {
		t.Fatalf("CurrentNick() = %q, want guard_", got)
	}

	// Someone else's nick change leaves ours alone.
	c.handleLine(":alice!u@h.example NICK :alice2\r\n")
	if got := c.CurrentNick(); got != "guard_" {
		t.Errorf("CurrentNick() = %q after unrelated nick change", got)
	}
}
