package moderator

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/vikingsloth/IRCCaptchaBot/irc"
	"github.com/vikingsloth/IRCCaptchaBot/policy"
)

func controlMsg(text string) irc.PrivmsgEvent {
	return irc.PrivmsgEvent{
		Target: "#control",
		Source: irc.Source{Nick: "oper", Ident: "o", Host: "trusted.example", Raw: "oper!o@trusted.example"},
		Text:   text,
	}
}

func privateMsg(raw, text string) irc.PrivmsgEvent {
	nick := raw[:strings.IndexByte(raw, '!')]
	return irc.PrivmsgEvent{Target: "guard", Source: irc.Source{Nick: nick, Raw: raw}, Text: text}
}

func TestSeclevelAppliesToAllChannels(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(controlMsg(".cmd seclevel secure"))

	if got := rig.pipeline.policies.Get("#chat").Challenge; got != policy.ChallengeSecure {
		t.Errorf("challenge mode = %v", got)
	}
	reply := rig.cmd.lastPrivmsg()
	if reply.target != "#control" || !strings.Contains(reply.text, "SECURE") {
		t.Errorf("reply = %+v", reply)
	}
}

func TestSeclevelRejectsUnknownLevel(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(controlMsg(".cmd seclevel paranoid"))

	if got := rig.pipeline.policies.Get("#chat").Challenge; got != policy.ChallengeSoft {
		t.Errorf("bad level mutated policy: %v", got)
	}
	if !strings.Contains(rig.cmd.lastPrivmsg().text, "unknown level") {
		t.Errorf("reply = %+v", rig.cmd.lastPrivmsg())
	}
}

func TestSetCommandUpdatesPolicyAndReplies(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(controlMsg(".cmd set #chat geoban off"))

	if rig.pipeline.policies.Get("#chat").GeoBan {
		t.Error("geoban still on after set command")
	}
	if !strings.Contains(rig.cmd.lastPrivmsg().text, "geoban=off") {
		t.Errorf("reply = %+v", rig.cmd.lastPrivmsg())
	}
}

func TestJoinCommandAdoptsSeclevelDefault(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(controlMsg(".cmd seclevel secure"))
	rig.pipeline.HandleEvent(controlMsg(".cmd join #new"))

	if len(rig.cmd.joins) != 1 || rig.cmd.joins[0] != "#new" {
		t.Fatalf("joins = %v", rig.cmd.joins)
	}
	if got := rig.pipeline.policies.Get("#new").Challenge; got != policy.ChallengeSecure {
		t.Errorf("adopted channel challenge = %v", got)
	}
}

func TestPartCommandDropsSessions(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "alice", "u", "5.6.7.8"))
	rig.pipeline.HandleEvent(controlMsg(".cmd part #chat"))

	if len(rig.cmd.parts) != 1 || rig.cmd.parts[0] != "#chat" {
		t.Fatalf("parts = %v", rig.cmd.parts)
	}
	if rig.pipeline.sessions.Size() != 0 {
		t.Error("sessions survived part command")
	}
}

func TestCheckCommandReportsOnWhoisReply(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "bob", "u", "gateway.example"))
	rig.pipeline.HandleEvent(controlMsg(".cmd check bob"))

	if len(rig.cmd.whois) == 0 || rig.cmd.whois[len(rig.cmd.whois)-1] != "bob" {
		t.Fatalf("whois = %v", rig.cmd.whois)
	}

	rig.pipeline.HandleEvent(irc.WhoisIPEvent{Nick: "bob", Addr: netip.MustParseAddr("5.6.7.8")})

	reported := false
	for _, m := range rig.cmd.privmsgs {
		if m.target == "#control" && strings.Contains(m.text, "addr=5.6.7.8") && strings.Contains(m.text, "country=AA") {
			reported = true
		}
	}
	if !reported {
		t.Errorf("check report missing: %v", rig.cmd.privmsgs)
	}

	// The check also asks each list for a verdict.
	if len(rig.resolver.queued) == 0 {
		t.Fatal("no report query enqueued")
	}
	rig.resolver.deliver([]string{"127.0.0.2"})
	verdict := false
	for _, m := range rig.cmd.privmsgs {
		if m.target == "#control" && strings.Contains(m.text, "LISTED") {
			verdict = true
		}
	}
	if !verdict {
		t.Errorf("list verdict missing: %v", rig.cmd.privmsgs)
	}
}

func TestCheckCommandFailedWhoisReportsError(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(controlMsg(".cmd check ghost"))
	rig.pipeline.HandleEvent(irc.WhoisIPEvent{Nick: "ghost"})

	answered := false
	for _, m := range rig.cmd.privmsgs {
		if m.target == "#control" && strings.Contains(m.text, "no usable address") {
			answered = true
		}
	}
	if !answered {
		t.Errorf("failed check not reported: %v", rig.cmd.privmsgs)
	}
}

func TestExpirePendingChecks(t *testing.T) {
	rig := newTestRig(t, nil)
	base := time.Unix(1_700_000_000, 0).UTC()
	rig.pipeline.now = func() time.Time { return base }
	rig.pipeline.HandleEvent(controlMsg(".cmd check bob"))

	rig.pipeline.now = func() time.Time { return base.Add(6 * time.Minute) }
	rig.pipeline.expirePendingChecks()

	if len(rig.pipeline.pendingChecks) != 0 {
		t.Errorf("expired check retained: %v", rig.pipeline.pendingChecks)
	}
}

func TestChanCheckQueriesUnresolvedMembers(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(irc.NamesEvent{
		Channel: "#chat",
		Members: []irc.NameEntry{{Nick: "guard", Op: true}, {Nick: "mystery"}, {Nick: "known"}},
	})
	if rec, ok := rig.pipeline.sessions.Get("#chat", "known"); ok {
		rec.Addr = netip.MustParseAddr("5.6.7.8")
		rec.Country = "AA"
	}

	rig.pipeline.HandleEvent(controlMsg(".cmd chancheck #chat"))

	if len(rig.cmd.whois) != 1 || rig.cmd.whois[0] != "mystery" {
		t.Errorf("whois = %v, want only the unresolved member", rig.cmd.whois)
	}
}

func TestStatusReply(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "alice", "u", "5.6.7.8"))
	rig.pipeline.HandleEvent(controlMsg(".cmd status"))

	status := rig.cmd.lastPrivmsg()
	if status.target != "#control" {
		t.Fatalf("status went to %q", status.target)
	}
	for _, want := range []string{"joins 1", "sessions 1", "resolver"} {
		if !strings.Contains(status.text, want) {
			t.Errorf("status %q missing %q", status.text, want)
		}
	}
}

func TestUnknownCommandReply(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(controlMsg(".cmd frobnicate"))

	if !strings.Contains(rig.cmd.lastPrivmsg().text, "unknown command") {
		t.Errorf("reply = %+v", rig.cmd.lastPrivmsg())
	}
}

func TestNonCommandChatterIsIgnored(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(controlMsg("hello everyone"))

	if len(rig.cmd.privmsgs) != 0 {
		t.Errorf("chatter triggered a reply: %v", rig.cmd.privmsgs)
	}
}

func TestPrivateCommandRequiresAuthorizedMask(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.pipeline.HandleEvent(privateMsg("oper!o@trusted.example", ".cmd seclevel secure"))
	if got := rig.pipeline.policies.Get("#chat").Challenge; got != policy.ChallengeSecure {
		t.Errorf("authorized private command ignored: %v", got)
	}
	// The reply goes to the sender, not a channel.
	if reply := rig.cmd.lastPrivmsg(); reply.target != "oper" {
		t.Errorf("reply target = %q", reply.target)
	}

	rig.pipeline.HandleEvent(privateMsg("rando!x@untrusted.example", ".cmd seclevel off"))
	if got := rig.pipeline.policies.Get("#chat").Challenge; got != policy.ChallengeSecure {
		t.Errorf("unauthorized private command applied: %v", got)
	}
}

func TestCommandFromNonControlChannelIgnored(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(irc.PrivmsgEvent{
		Target: "#chat",
		Source: irc.Source{Nick: "oper", Raw: "oper!o@trusted.example"},
		Text:   ".cmd seclevel off",
	})

	if got := rig.pipeline.policies.Get("#chat").Challenge; got != policy.ChallengeSoft {
		t.Errorf("command from moderated channel applied: %v", got)
	}
}

func TestReapStaleCountsRemovals(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.store.reaped = 3
	rig.pipeline.reapStale()

	if got := rig.pipeline.stats.StaleReaped.Load(); got != 3 {
		t.Errorf("StaleReaped = %d", got)
	}
}
