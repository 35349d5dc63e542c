package moderator

import (
	"fmt"
	"net/netip"
	"strings"
	"testing"

	"github.com/vikingsloth/IRCCaptchaBot/config"
	"github.com/vikingsloth/IRCCaptchaBot/dnsbl"
	"github.com/vikingsloth/IRCCaptchaBot/geoip"
	"github.com/vikingsloth/IRCCaptchaBot/irc"
	"github.com/vikingsloth/IRCCaptchaBot/ledger"
)

type sentMsg struct {
	target string
	text   string
}

type fakeCommander struct {
	nick     string
	privmsgs []sentMsg
	modes    []sentMsg
	kicks    []sentMsg
	whois    []string
	joins    []string
	parts    []string
}

func (f *fakeCommander) Privmsg(target, text string) {
	f.privmsgs = append(f.privmsgs, sentMsg{target, text})
}

func (f *fakeCommander) Mode(channel, modeString string) {
	f.modes = append(f.modes, sentMsg{channel, modeString})
}

func (f *fakeCommander) Kick(channel, nick, reason string) {
	f.kicks = append(f.kicks, sentMsg{channel, nick + " " + reason})
}

func (f *fakeCommander) Whois(nick string)   { f.whois = append(f.whois, nick) }
func (f *fakeCommander) Join(channel string) { f.joins = append(f.joins, channel) }
func (f *fakeCommander) Part(channel string) { f.parts = append(f.parts, channel) }
func (f *fakeCommander) Nick(nick string)    {}
func (f *fakeCommander) CurrentNick() string { return f.nick }
func (f *fakeCommander) OrigNick() string    { return f.nick }

func (f *fakeCommander) lastPrivmsg() sentMsg {
	if len(f.privmsgs) == 0 {
		return sentMsg{}
	}
	return f.privmsgs[len(f.privmsgs)-1]
}

type fakeLedger struct {
	exceptions        map[string]bool
	active            map[string]bool
	refreshedExcepts  []string
	inserted          []string
	refreshedCaptchas []string
	insertErr         error
	lookupErr         error
	solved            []ledger.SolvedCaptcha
	reaped            int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{exceptions: make(map[string]bool), active: make(map[string]bool)}
}

func (f *fakeLedger) LookupException(trustKey string) (bool, error) {
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	return f.exceptions[trustKey], nil
}

func (f *fakeLedger) RefreshException(trustKey string) error {
	f.refreshedExcepts = append(f.refreshedExcepts, trustKey)
	return nil
}

func (f *fakeLedger) InsertCaptcha(trustKey, identHost, nick string) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	if f.active[trustKey] {
		return ledger.ErrDuplicate
	}
	f.active[trustKey] = true
	f.inserted = append(f.inserted, trustKey)
	return nil
}

func (f *fakeLedger) RefreshCaptcha(trustKey, nick string) error {
	f.refreshedCaptchas = append(f.refreshedCaptchas, trustKey)
	return nil
}

func (f *fakeLedger) ReapStale() (int64, error) { return f.reaped, nil }

func (f *fakeLedger) ArchiveSolved() ([]ledger.SolvedCaptcha, error) {
	out := f.solved
	f.solved = nil
	return out, nil
}

type fakeGeo struct {
	countries map[string]string // addr string -> country
}

func (f *fakeGeo) Lookup(addr netip.Addr) string {
	if cc, ok := f.countries[addr.String()]; ok {
		return cc
	}
	return geoip.Unknown
}

type queuedQuery struct {
	qname    string
	callback dnsbl.Callback
	ctx      any
}

type fakeResolver struct {
	queued []queuedQuery
}

func (f *fakeResolver) Enqueue(qname string, callback dnsbl.Callback, ctx any) {
	f.queued = append(f.queued, queuedQuery{qname, callback, ctx})
}

// deliver simulates the drain tick: every queued query is answered with the
// given answer set.
func (f *fakeResolver) deliver(answers []string) {
	queued := f.queued
	f.queued = nil
	for _, q := range queued {
		q.callback(answers, q.ctx)
	}
}

func (f *fakeResolver) Drain() int        { return 0 }
func (f *fakeResolver) Outstanding() int  { return len(f.queued) }
func (f *fakeResolver) Completed() uint64 { return 0 }

type testRig struct {
	pipeline *Pipeline
	cmd      *fakeCommander
	store    *fakeLedger
	geo      *fakeGeo
	resolver *fakeResolver
}

func newTestRig(t *testing.T, mutate func(*config.Config)) *testRig {
	t.Helper()
	cfg := &config.Config{
		IRC: config.IRCConfig{Servers: []string{"irc.test:6667"}, Nickname: "guard"},
		Control: config.ControlConfig{
			Channel:   "#control",
			UserMasks: []string{`^oper!.*@trusted\.example$`},
			AllowMsg:  true,
		},
		Captcha: config.CaptchaConfig{URL: "https://captcha.example"},
		GeoIP:   config.GeoIPConfig{BannedCountries: []string{"BB"}},
		DNSBL:   config.DNSBLConfig{Zones: []string{"dnsbl.example.org"}},
		Channels: []config.ChannelEntry{
			{Name: "#chat", Challenge: "soft", GeoBan: true, DNSBL: true},
		},
		Watch: config.WatchConfig{ProtectedNicks: []string{"admin"}, MaxDistance: 1},
	}
	cfg.ApplyDefaults()
	if mutate != nil {
		mutate(cfg)
	}

	cmd := &fakeCommander{nick: "guard"}
	store := newFakeLedger()
	geo := &fakeGeo{countries: map[string]string{
		"1.2.3.200": "BB",
		"5.6.7.8":   "AA",
	}}
	resolver := &fakeResolver{}
	p := New(cfg, cmd, store, geo, resolver)
	return &testRig{pipeline: p, cmd: cmd, store: store, geo: geo, resolver: resolver}
}

func join(channel, nick, ident, host string) irc.JoinEvent {
	return irc.JoinEvent{
		Channel: channel,
		Source: irc.Source{
			Nick: nick, Ident: ident, Host: host,
			Raw: fmt.Sprintf("%s!%s@%s", nick, ident, host),
		},
	}
}

func TestJoinWithHostnameIssuesChallengeAndWhois(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "alice", "u", "some.host.example"))

	key := ledger.TrustKey("u@some.host.example")
	if len(rig.store.inserted) != 1 || rig.store.inserted[0] != key {
		t.Fatalf("captcha not recorded: %v", rig.store.inserted)
	}
	if len(rig.cmd.whois) != 1 || rig.cmd.whois[0] != "alice" {
		t.Errorf("expected one identity query for alice, got %v", rig.cmd.whois)
	}

	prompt := rig.cmd.lastPrivmsg()
	if prompt.target != "alice" {
		t.Fatalf("prompt went to %q", prompt.target)
	}
	if !strings.Contains(prompt.text, "u@some.host.example") ||
		!strings.Contains(prompt.text, "https://captcha.example/?key="+key) {
		t.Errorf("prompt missing identity or URL: %q", prompt.text)
	}
	if got := rig.pipeline.stats.ChallengesIssued.Load(); got != 1 {
		t.Errorf("ChallengesIssued = %d", got)
	}
}

func TestJoinChallengeOffSkipsPrompt(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Channels[0].Challenge = "off"
	})
	rig.pipeline.HandleEvent(join("#chat", "alice", "u", "some.host.example"))

	if len(rig.store.inserted) != 0 {
		t.Errorf("captcha recorded despite challenge off: %v", rig.store.inserted)
	}
	if len(rig.cmd.privmsgs) != 0 {
		t.Errorf("prompt sent despite challenge off: %v", rig.cmd.privmsgs)
	}
}

func TestExceptionSkipsChallengeButNotReputation(t *testing.T) {
	rig := newTestRig(t, nil)
	key := ledger.TrustKey("u@1.2.3.200")
	rig.store.exceptions[key] = true

	rig.pipeline.HandleEvent(join("#chat", "bob", "u", "1.2.3.200"))

	if len(rig.store.inserted) != 0 {
		t.Errorf("excepted user was challenged: %v", rig.store.inserted)
	}
	if len(rig.store.refreshedExcepts) != 1 {
		t.Errorf("exception not refreshed: %v", rig.store.refreshedExcepts)
	}
	// The address is in a banned country; the trust exception must not
	// shield the user from the reputation checks.
	if len(rig.cmd.kicks) != 1 || !strings.Contains(rig.cmd.kicks[0].text, "BB") {
		t.Fatalf("geo ban skipped for excepted user: %v", rig.cmd.kicks)
	}
	if len(rig.cmd.modes) != 1 || rig.cmd.modes[0].text != "+b *!*@1.2.3.200" {
		t.Errorf("ban mask not set: %v", rig.cmd.modes)
	}
	if got := rig.pipeline.stats.GeoBans.Load(); got != 1 {
		t.Errorf("GeoBans = %d", got)
	}
}

func TestGeoBanShortCircuitsListChecks(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "bob", "u", "1.2.3.200"))

	if len(rig.resolver.queued) != 0 {
		t.Errorf("dnsbl queries enqueued after geo ban: %v", rig.resolver.queued)
	}
	if len(rig.cmd.kicks) != 1 {
		t.Fatalf("expected one kick, got %v", rig.cmd.kicks)
	}

	// The challenge is independent of the reputation verdict: the captcha row
	// and the prompt go out even though the joiner was geo banned.
	key := ledger.TrustKey("u@1.2.3.200")
	if len(rig.store.inserted) != 1 || rig.store.inserted[0] != key {
		t.Fatalf("geo-banned joiner was not challenged: %v", rig.store.inserted)
	}
	prompt := rig.cmd.lastPrivmsg()
	if prompt.target != "bob" || !strings.Contains(prompt.text, "?key="+key) {
		t.Errorf("challenge prompt missing: %+v", prompt)
	}
}

func TestCleanCountryEnqueuesListChecks(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "carol", "u", "5.6.7.8"))

	if len(rig.cmd.kicks) != 0 {
		t.Fatalf("clean join was banned: %v", rig.cmd.kicks)
	}
	if len(rig.resolver.queued) != 1 {
		t.Fatalf("expected one dnsbl query, got %d", len(rig.resolver.queued))
	}
	if rig.resolver.queued[0].qname != "8.7.6.5.dnsbl.example.org" {
		t.Errorf("qname = %q", rig.resolver.queued[0].qname)
	}
}

func TestDNSBLPositiveAnswerBans(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "carol", "u", "5.6.7.8"))

	rig.resolver.deliver([]string{"127.0.0.2"})

	if len(rig.cmd.kicks) != 1 || !strings.Contains(rig.cmd.kicks[0].text, "dnsbl.example.org") {
		t.Fatalf("listed user not removed: %v", rig.cmd.kicks)
	}
	if got := rig.pipeline.stats.DNSBLBans.Load(); got != 1 {
		t.Errorf("DNSBLBans = %d", got)
	}
	if _, present := rig.pipeline.sessions.Get("#chat", "carol"); present {
		t.Error("banned user still in session registry")
	}
}

func TestListedAddressBansEveryJoinerUsingIt(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "carol", "u", "5.6.7.8"))
	rig.pipeline.HandleEvent(join("#chat", "carolx", "u2", "5.6.7.8"))

	// One query per joiner; the resolver may share the lookup underneath but
	// each carries its own nick in the context.
	if len(rig.resolver.queued) != 2 {
		t.Fatalf("expected 2 dnsbl queries, got %d", len(rig.resolver.queued))
	}

	rig.resolver.deliver([]string{"127.0.0.2"})

	if len(rig.cmd.kicks) != 2 {
		t.Fatalf("expected both joiners removed, got %v", rig.cmd.kicks)
	}
	kicked := map[string]bool{}
	for _, k := range rig.cmd.kicks {
		nick, _, _ := strings.Cut(k.text, " ")
		kicked[nick] = true
	}
	if !kicked["carol"] || !kicked["carolx"] {
		t.Errorf("kicks = %v", rig.cmd.kicks)
	}
}

func TestDNSBLNegativeAnswerIsNoOp(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "carol", "u", "5.6.7.8"))

	rig.resolver.deliver(nil)

	if len(rig.cmd.kicks) != 0 {
		t.Errorf("non-match caused a removal: %v", rig.cmd.kicks)
	}
}

func TestDNSBLAnswerAfterPartIsDiscarded(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "carol", "u", "5.6.7.8"))
	rig.pipeline.HandleEvent(irc.PartEvent{Channel: "#chat", Nick: "carol"})

	rig.resolver.deliver([]string{"127.0.0.2"})

	if len(rig.cmd.kicks) != 0 {
		t.Errorf("stale answer still acted: %v", rig.cmd.kicks)
	}
	if got := rig.pipeline.stats.StaleCallbacks.Load(); got != 1 {
		t.Errorf("StaleCallbacks = %d", got)
	}
}

func TestDNSBLAnswerAfterRejoinWithNewAddrIsDiscarded(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "carol", "u", "5.6.7.8"))
	rig.pipeline.HandleEvent(irc.PartEvent{Channel: "#chat", Nick: "carol"})
	rig.pipeline.HandleEvent(join("#chat", "carol", "u", "9.9.9.9"))

	// The answer for the old address arrives after the rejoin.
	first := rig.resolver.queued[0]
	first.callback([]string{"127.0.0.2"}, first.ctx)

	if len(rig.cmd.kicks) != 0 {
		t.Errorf("answer for an old address banned the rejoined user: %v", rig.cmd.kicks)
	}
}

func TestWhoisReplyEnrichesRecordAndBans(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "bob", "u", "gateway.example"))

	if len(rig.cmd.kicks) != 0 {
		t.Fatal("banned before address was known")
	}

	rig.pipeline.HandleEvent(irc.WhoisIPEvent{Nick: "bob", Addr: netip.MustParseAddr("1.2.3.200")})

	if len(rig.cmd.kicks) != 1 || !strings.Contains(rig.cmd.kicks[0].text, "BB") {
		t.Fatalf("whois-resolved address not geo banned: %v", rig.cmd.kicks)
	}
}

func TestWhoisUserAndServerRepliesEnrichRecord(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "bob", "u", "gateway.example"))

	rig.pipeline.HandleEvent(irc.WhoisUserEvent{Nick: "bob", Ident: "whoisident", Host: "whois.host", RealName: "Bob Example"})
	rig.pipeline.HandleEvent(irc.WhoisServerEvent{Nick: "bob", Server: "irc.example.org"})

	rec, present := rig.pipeline.sessions.Get("#chat", "bob")
	if !present {
		t.Fatal("record missing")
	}
	if rec.RealName != "Bob Example" || rec.Server != "irc.example.org" {
		t.Errorf("record not enriched: %+v", rec)
	}
	// ident and host from the join event take precedence.
	if rec.Ident != "u" || rec.Host != "gateway.example" {
		t.Errorf("join identity overwritten: %+v", rec)
	}

	// Replies for nicks no longer present are dropped.
	rig.pipeline.HandleEvent(irc.WhoisUserEvent{Nick: "ghost", RealName: "x"})
	if _, present := rig.pipeline.sessions.Get("#chat", "ghost"); present {
		t.Error("identity reply created a record")
	}
}

func TestStaleWhoisReplyCreatesNoRecord(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "bob", "u", "gateway.example"))
	rig.pipeline.HandleEvent(irc.PartEvent{Channel: "#chat", Nick: "bob"})

	rig.pipeline.HandleEvent(irc.WhoisIPEvent{Nick: "bob", Addr: netip.MustParseAddr("5.6.7.8")})

	if _, present := rig.pipeline.sessions.Get("#chat", "bob"); present {
		t.Error("stale identity reply resurrected a session record")
	}
	if got := rig.pipeline.stats.StaleCallbacks.Load(); got != 1 {
		t.Errorf("StaleCallbacks = %d", got)
	}
	if len(rig.cmd.kicks) != 0 {
		t.Errorf("stale reply caused action: %v", rig.cmd.kicks)
	}
}

func TestDuplicateCaptchaFallsBackToRefresh(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "alice", "u", "some.host.example"))
	rig.pipeline.HandleEvent(irc.PartEvent{Channel: "#chat", Nick: "alice"})
	rig.pipeline.HandleEvent(join("#chat", "alice2", "u", "some.host.example"))

	key := ledger.TrustKey("u@some.host.example")
	if len(rig.store.inserted) != 1 {
		t.Fatalf("expected a single insert, got %v", rig.store.inserted)
	}
	if len(rig.store.refreshedCaptchas) != 1 || rig.store.refreshedCaptchas[0] != key {
		t.Fatalf("rejoin did not refresh the active captcha: %v", rig.store.refreshedCaptchas)
	}
	if got := rig.pipeline.stats.ChallengesIssued.Load(); got != 2 {
		t.Errorf("ChallengesIssued = %d, want 2 (both joins prompted)", got)
	}
}

func TestPersistenceFailureAbortsChallengeSilently(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.store.insertErr = &ledger.PersistenceError{Op: "insert captcha", Err: fmt.Errorf("disk full")}

	rig.pipeline.HandleEvent(join("#chat", "alice", "u", "some.host.example"))

	for _, m := range rig.cmd.privmsgs {
		if m.target == "alice" {
			t.Fatalf("prompt sent despite persistence failure: %q", m.text)
		}
	}
	if got := rig.pipeline.stats.ChallengesIssued.Load(); got != 0 {
		t.Errorf("ChallengesIssued = %d", got)
	}
}

func TestWelcomeJoinsConfiguredChannels(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(irc.WelcomeEvent{})

	want := map[string]bool{"#control": true, "#chat": true}
	if len(rig.cmd.joins) != 2 {
		t.Fatalf("joins = %v", rig.cmd.joins)
	}
	for _, ch := range rig.cmd.joins {
		if !want[ch] {
			t.Errorf("unexpected join %q", ch)
		}
	}
}

func TestControlChannelJoinsAreNotModerated(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#control", "bob", "u", "1.2.3.200"))

	if got := rig.pipeline.stats.JoinsSeen.Load(); got != 0 {
		t.Errorf("control channel join counted: %d", got)
	}
	if len(rig.cmd.kicks) != 0 || len(rig.store.inserted) != 0 {
		t.Error("control channel join was moderated")
	}
}

func TestOwnJoinIsIgnored(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "guard", "bot", "bot.example"))

	if got := rig.pipeline.stats.JoinsSeen.Load(); got != 0 {
		t.Errorf("own join counted: %d", got)
	}
}

func TestArchiveSolvedGrantsExceptionInAllChannels(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Channels = append(cfg.Channels, config.ChannelEntry{Name: "#other", Challenge: "soft"})
	})
	rig.pipeline.HandleEvent(irc.WelcomeEvent{})
	rig.pipeline.HandleEvent(join("#chat", "alice", "u", "5.6.7.8"))
	rig.pipeline.HandleEvent(join("#other", "alice", "u", "5.6.7.8"))

	key := ledger.TrustKey("u@5.6.7.8")
	rig.store.solved = []ledger.SolvedCaptcha{{TrustKey: key, IdentHost: "u@5.6.7.8", Nick: "alice", PostIP: "5.6.7.8"}}

	rig.pipeline.archiveSolved()

	if len(rig.store.refreshedExcepts) != 2 {
		t.Errorf("exception not granted per channel: %v", rig.store.refreshedExcepts)
	}
	if got := rig.pipeline.stats.CaptchasArchived.Load(); got != 1 {
		t.Errorf("CaptchasArchived = %d", got)
	}
}

func TestArchiveSolvedWaitsForRegistration(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.store.solved = []ledger.SolvedCaptcha{{TrustKey: "k", Nick: "alice"}}

	rig.pipeline.archiveSolved()

	if len(rig.store.solved) == 0 {
		t.Error("archive drained before registration completed")
	}
}

func TestAutoVoiceOnExceptionWhenOpped(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Channels[0].AutoVoice = true
	})
	// Bot holds ops in #chat per the NAMES reply.
	rig.pipeline.HandleEvent(irc.NamesEvent{
		Channel: "#chat",
		Members: []irc.NameEntry{{Nick: "guard", Op: true}},
	})

	key := ledger.TrustKey("u@5.6.7.8")
	rig.store.exceptions[key] = true
	rig.pipeline.HandleEvent(join("#chat", "alice", "u", "5.6.7.8"))

	found := false
	for _, m := range rig.cmd.modes {
		if m.target == "#chat" && m.text == "+v alice" {
			found = true
		}
	}
	if !found {
		t.Errorf("auto-voice not applied: %v", rig.cmd.modes)
	}
}

func TestAutoVoiceSkippedWithoutOps(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Channels[0].AutoVoice = true
	})
	key := ledger.TrustKey("u@5.6.7.8")
	rig.store.exceptions[key] = true
	rig.pipeline.HandleEvent(join("#chat", "alice", "u", "5.6.7.8"))

	for _, m := range rig.cmd.modes {
		if strings.HasPrefix(m.text, "+v") {
			t.Errorf("voiced without ops: %v", rig.cmd.modes)
		}
	}
}

func TestModeEventTracksOpAndVoice(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(irc.NamesEvent{
		Channel: "#chat",
		Members: []irc.NameEntry{{Nick: "guard"}, {Nick: "alice"}},
	})

	rig.pipeline.HandleEvent(irc.ModeEvent{
		Channel: "#chat",
		Changes: []irc.ModeChange{
			{Mode: 'o', Add: true, Arg: "guard"},
			{Mode: 'v', Add: true, Arg: "alice"},
		},
	})

	if !rig.pipeline.selfOp("#chat") {
		t.Error("op grant not tracked")
	}
	rec, _ := rig.pipeline.sessions.Get("#chat", "alice")
	if rec == nil || !rec.Voiced {
		t.Error("voice grant not tracked")
	}

	rig.pipeline.HandleEvent(irc.ModeEvent{
		Channel: "#chat",
		Changes: []irc.ModeChange{{Mode: 'o', Add: false, Arg: "guard"}},
	})
	if rig.pipeline.selfOp("#chat") {
		t.Error("op removal not tracked")
	}
}

func TestNickChangeKeepsModerationState(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "carol", "u", "5.6.7.8"))
	rig.pipeline.HandleEvent(irc.NickEvent{Old: "carol", New: "carol2"})

	rec, ok := rig.pipeline.sessions.Get("#chat", "carol2")
	if !ok {
		t.Fatal("record lost across nick change")
	}
	if !rec.ReputationChecked {
		t.Error("reputation state lost across nick change")
	}
}

func TestImpersonationWatchAlertsControlChannel(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "admln", "u", "evil.example"))

	alerted := false
	for _, m := range rig.cmd.privmsgs {
		if m.target == "#control" && strings.Contains(m.text, "admin") && strings.Contains(m.text, "admln") {
			alerted = true
		}
	}
	if !alerted {
		t.Errorf("no impersonation alert: %v", rig.cmd.privmsgs)
	}
	if got := rig.pipeline.stats.WatchAlerts.Load(); got != 1 {
		t.Errorf("WatchAlerts = %d", got)
	}
}

func TestImpersonationWatchIgnoresDistantNicks(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(join("#chat", "zebra", "u", "fine.example"))

	if got := rig.pipeline.stats.WatchAlerts.Load(); got != 0 {
		t.Errorf("WatchAlerts = %d for an unrelated nick", got)
	}
}

func TestDisconnectResetsSessions(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pipeline.HandleEvent(irc.WelcomeEvent{})
	rig.pipeline.HandleEvent(join("#chat", "alice", "u", "5.6.7.8"))

	rig.pipeline.HandleEvent(irc.DisconnectEvent{})

	if rig.pipeline.sessions.Size() != 0 {
		t.Error("sessions survived disconnect")
	}
	if rig.pipeline.initialized {
		t.Error("pipeline still marked registered after disconnect")
	}
}
