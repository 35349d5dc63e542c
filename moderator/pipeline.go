// Package moderator implements the join-time moderation pipeline: it
// consumes protocol events and resolver callbacks, applies per-channel
// policy, mutates the session registry, and issues protocol commands and
// ledger writes. Everything here runs on a single control goroutine; the
// only concurrency is inside the dnsbl worker pool, whose results cross
// back in through Drain on the drain tick.
package moderator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/vikingsloth/IRCCaptchaBot/config"
	"github.com/vikingsloth/IRCCaptchaBot/dnsbl"
	"github.com/vikingsloth/IRCCaptchaBot/irc"
	"github.com/vikingsloth/IRCCaptchaBot/ledger"
	"github.com/vikingsloth/IRCCaptchaBot/policy"
	"github.com/vikingsloth/IRCCaptchaBot/session"
)

// Commander is the command sink the pipeline issues protocol actions
// through. Sends are fire-and-forget, matching the at-most-once semantics
// of the transport.
type Commander interface {
	Privmsg(target, text string)
	Mode(channel, modeString string)
	Kick(channel, nick, reason string)
	Whois(nick string)
	Join(channel string)
	Part(channel string)
	Nick(nick string)
	CurrentNick() string
	OrigNick() string
}

// Ledger is the narrow persistence surface the pipeline needs.
type Ledger interface {
	LookupException(trustKey string) (bool, error)
	RefreshException(trustKey string) error
	InsertCaptcha(trustKey, identHost, nick string) error
	RefreshCaptcha(trustKey, nick string) error
	ReapStale() (int64, error)
	ArchiveSolved() ([]ledger.SolvedCaptcha, error)
}

// GeoLookup resolves an address to a country code (geoip.Unknown when
// nothing matches).
type GeoLookup interface {
	Lookup(addr netip.Addr) string
}

// Resolver is the asynchronous reputation-list query surface.
type Resolver interface {
	Enqueue(qname string, callback dnsbl.Callback, ctx any)
	Drain() int
	Outstanding() int
	Completed() uint64
}

// Stats are the lifetime counters exposed on the status surfaces. All
// fields are atomics because the admin HTTP listener reads them off the
// control goroutine.
type Stats struct {
	JoinsSeen        atomic.Uint64
	ChallengesIssued atomic.Uint64
	ExceptionsHit    atomic.Uint64
	GeoBans          atomic.Uint64
	DNSBLBans        atomic.Uint64
	CaptchasArchived atomic.Uint64
	StaleReaped      atomic.Uint64
	StaleCallbacks   atomic.Uint64
	WatchAlerts      atomic.Uint64
}

// dnsblKind distinguishes what a drained answer is for.
type dnsblKind int

const (
	dnsblBanCheck dnsblKind = iota
	dnsblReport
)

// dnsblContext rides along with every enqueued query; answers are matched
// by context, never by position.
type dnsblContext struct {
	kind    dnsblKind
	zone    string
	nick    string
	channel string
	addr    netip.Addr
	replyTo string
}

// pendingCheck remembers who asked for a manual `check` so the WHOIS reply
// can be reported back.
type pendingCheck struct {
	replyTo string
	askedAt time.Time
}

// Pipeline is the moderation orchestrator.
type Pipeline struct {
	cmd      Commander
	store    Ledger
	geo      GeoLookup
	resolver Resolver
	policies *policy.Table
	sessions *session.Registry

	captchaURL       string
	controlChannel   string
	allowPrivmsg     bool
	controlMasks     []*regexp.Regexp
	chanlist         []string
	bannedCountries  map[string]bool
	dnsblZones       []string
	protectedNicks   []string
	watchDistance    int
	defaultChallenge policy.ChallengeMode

	initialized   bool
	pendingChecks map[string]pendingCheck
	startedAt     time.Time
	now           func() time.Time

	stats Stats
}

// New wires a pipeline from config and collaborators. The policy table is
// seeded from the configured channel entries.
func New(cfg *config.Config, cmd Commander, store Ledger, geo GeoLookup, resolver Resolver) *Pipeline {
	p := &Pipeline{
		cmd:            cmd,
		store:          store,
		geo:            geo,
		resolver:       resolver,
		policies:       policy.NewTable(),
		sessions:       session.NewRegistry(),
		captchaURL:     strings.TrimRight(cfg.Captcha.URL, "/"),
		controlChannel: cfg.Control.Channel,
		allowPrivmsg:   cfg.Control.AllowMsg,
		bannedCountries: func() map[string]bool {
			m := make(map[string]bool, len(cfg.GeoIP.BannedCountries))
			for _, cc := range cfg.GeoIP.BannedCountries {
				m[strings.ToUpper(strings.TrimSpace(cc))] = true
			}
			return m
		}(),
		dnsblZones:       cfg.DNSBL.Zones,
		protectedNicks:   cfg.Watch.ProtectedNicks,
		watchDistance:    cfg.Watch.MaxDistance,
		defaultChallenge: policy.ChallengeOff,
		pendingChecks:    make(map[string]pendingCheck),
		startedAt:        time.Now().UTC(),
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, ch := range cfg.Channels {
		mode, ok := policy.ParseChallengeMode(ch.Challenge)
		if !ok {
			mode = policy.ChallengeOff
		}
		p.policies.Set(ch.Name, policy.Channel{
			Challenge: mode,
			GeoBan:    ch.GeoBan,
			DNSBL:     ch.DNSBL,
			AutoVoice: ch.AutoVoice,
		})
		p.chanlist = append(p.chanlist, ch.Name)
	}
	for _, mask := range cfg.Control.UserMasks {
		re, err := regexp.Compile(mask)
		if err != nil {
			log.Printf("moderator: ignoring bad control mask %q: %v", mask, err)
			continue
		}
		p.controlMasks = append(p.controlMasks, re)
	}
	return p
}

// Stats exposes the counters for the status surfaces.
func (p *Pipeline) Stats() *Stats {
	return &p.stats
}

// Uptime reports how long the pipeline has been running.
func (p *Pipeline) Uptime() time.Duration {
	return time.Since(p.startedAt)
}

// SessionCount reports the number of tracked session records.
func (p *Pipeline) SessionCount() int {
	return p.sessions.Size()
}

// Run drives the control loop until ctx is canceled or the event channel
// closes. All pipeline mutation happens here, serially.
func (p *Pipeline) Run(ctx context.Context, events <-chan irc.Event, ticks config.TickConfig) {
	drain := time.NewTicker(time.Duration(ticks.DrainSeconds) * time.Second)
	archive := time.NewTicker(time.Duration(ticks.ArchiveSeconds) * time.Second)
	reap := time.NewTicker(time.Duration(ticks.ReapSeconds) * time.Second)
	keep := time.NewTicker(time.Duration(ticks.KeepNickSeconds) * time.Second)
	defer drain.Stop()
	defer archive.Stop()
	defer reap.Stop()
	defer keep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.HandleEvent(ev)
		case <-drain.C:
			p.resolver.Drain()
		case <-archive.C:
			p.archiveSolved()
		case <-reap.C:
			p.reapStale()
		case <-keep.C:
			p.keepNick()
		}
	}
}

// HandleEvent dispatches one protocol event. A failure inside any handler
// degrades to a log line; the control loop never dies for a single event.
func (p *Pipeline) HandleEvent(ev irc.Event) {
	switch e := ev.(type) {
	case irc.WelcomeEvent:
		p.handleWelcome()
	case irc.DisconnectEvent:
		p.initialized = false
		p.sessions.Reset()
	case irc.JoinEvent:
		p.handleJoin(e)
	case irc.PartEvent:
		p.handleDeparture(e.Channel, e.Nick)
	case irc.KickEvent:
		p.handleDeparture(e.Channel, e.Target)
	case irc.QuitEvent:
		p.sessions.RemoveNick(e.Nick)
	case irc.NickEvent:
		p.sessions.Rename(e.Old, e.New)
	case irc.NamesEvent:
		p.handleNames(e)
	case irc.ModeEvent:
		p.handleMode(e)
	case irc.WhoisIPEvent:
		p.handleWhoisIP(e)
	case irc.WhoisUserEvent:
		p.handleWhoisUser(e)
	case irc.WhoisServerEvent:
		for _, rec := range p.sessions.RecordsOf(e.Nick) {
			rec.Server = e.Server
		}
	case irc.PrivmsgEvent:
		p.handlePrivmsg(e)
	}
}

func (p *Pipeline) handleWelcome() {
	p.initialized = true
	if p.controlChannel != "" {
		p.cmd.Join(p.controlChannel)
	}
	for _, ch := range p.chanlist {
		log.Printf("moderator: joining channel %s", ch)
		p.cmd.Join(ch)
	}
}

func (p *Pipeline) handleDeparture(channel, nick string) {
	if strings.EqualFold(nick, p.cmd.CurrentNick()) {
		p.sessions.RemoveChannel(channel)
		return
	}
	p.sessions.Remove(channel, nick)
}

// handleJoin runs the join-time admission decision. The trust exception and
// the reputation checks are independent signals: an exception skips the
// challenge but never the geo/dnsbl evaluation.
func (p *Pipeline) handleJoin(ev irc.JoinEvent) {
	nick := ev.Source.Nick
	if strings.EqualFold(nick, p.cmd.CurrentNick()) {
		return
	}
	if strings.EqualFold(ev.Channel, p.controlChannel) {
		return
	}
	p.stats.JoinsSeen.Add(1)
	log.Printf("moderator: join %s!%s on %s", nick, ev.Source.IdentHost(), ev.Channel)

	rec := &session.Record{
		Nick:  nick,
		Ident: ev.Source.Ident,
		Host:  ev.Source.Host,
	}
	p.sessions.Add(ev.Channel, rec)

	identHost := ev.Source.IdentHost()
	trustKey := ledger.TrustKey(identHost)
	excepted, err := p.store.LookupException(trustKey)
	if err != nil {
		log.Printf("moderator: exception lookup for %s failed: %v", identHost, err)
		excepted = false
	}

	p.watchForImpersonation(ev.Channel, nick, excepted)

	if excepted {
		p.stats.ExceptionsHit.Add(1)
		p.grantException(ev.Channel, nick, trustKey)
	}

	// Identity resolution: a literal address resolves country synchronously;
	// a hostname defers it to the WHOIS reply.
	if addr, parseErr := netip.ParseAddr(ev.Source.Host); parseErr == nil {
		rec.Addr = addr
		p.resolveCountry(ev.Channel, rec)
	} else {
		log.Printf("moderator: issuing identity query for %s", nick)
		p.cmd.Whois(nick)
	}

	if !excepted {
		if pol := p.policies.Get(ev.Channel); pol.Challenge != policy.ChallengeOff {
			p.issueChallenge(ev.Channel, nick, trustKey, identHost)
		}
	}
}

// grantException refreshes the ledger timestamp and applies auto-voice when
// the channel policy asks for it and we hold ops there.
func (p *Pipeline) grantException(channel, nick, trustKey string) {
	if err := p.store.RefreshException(trustKey); err != nil {
		log.Printf("moderator: exception refresh failed: %v", err)
	}
	pol := p.policies.Get(channel)
	if !pol.AutoVoice || !p.selfOp(channel) {
		return
	}
	if rec, ok := p.sessions.Get(channel, nick); ok && rec.Voiced {
		return
	}
	log.Printf("moderator: voicing %s in %s", nick, channel)
	p.cmd.Mode(channel, "+v "+nick)
}

// issueChallenge records the in-flight captcha and prompts the joiner. On a
// duplicate active entry the existing row is refreshed instead; on any other
// persistence failure the operation is abandoned with a log line so the user
// is not left half-challenged and undiagnosed.
func (p *Pipeline) issueChallenge(channel, nick, trustKey, identHost string) {
	log.Printf("moderator: prompting %s!%s to solve captcha", nick, identHost)
	if err := p.store.InsertCaptcha(trustKey, identHost, nick); err != nil {
		if !errors.Is(err, ledger.ErrDuplicate) {
			log.Printf("moderator: failed to record captcha for %s: %v", identHost, err)
			return
		}
		if err := p.store.RefreshCaptcha(trustKey, nick); err != nil {
			log.Printf("moderator: failed to refresh captcha for %s: %v", identHost, err)
			return
		}
	}
	p.stats.ChallengesIssued.Add(1)
	p.cmd.Privmsg(nick, fmt.Sprintf(
		"Your hostmask %s has not been confirmed for access to %s. "+
			"Solve this captcha to confirm you're not a bot: %s/?key=%s",
		identHost, channel, p.captchaURL, trustKey))
}

// resolveCountry fills in the country for a record whose address is known
// and runs the reputation checks once per record.
func (p *Pipeline) resolveCountry(channel string, rec *session.Record) {
	if !rec.Addr.IsValid() {
		return
	}
	if rec.Country == "" {
		rec.Country = p.geo.Lookup(rec.Addr)
	}
	p.runReputationChecks(channel, rec)
}

// runReputationChecks applies geo-ban first; a geo hit short-circuits the
// list checks. Runs at most once per session record.
func (p *Pipeline) runReputationChecks(channel string, rec *session.Record) {
	if rec.ReputationChecked {
		return
	}
	rec.ReputationChecked = true

	pol := p.policies.Get(channel)
	if pol.GeoBan && p.bannedCountries[rec.Country] {
		p.stats.GeoBans.Add(1)
		p.banAndRemove(channel, rec, fmt.Sprintf("banned country: %s", rec.Country))
		return
	}
	if pol.DNSBL && len(p.dnsblZones) > 0 {
		for _, zone := range p.dnsblZones {
			qname, ok := dnsbl.ReverseQuery(rec.Addr, zone)
			if !ok {
				continue
			}
			p.resolver.Enqueue(qname, p.onDNSBLAnswer, dnsblContext{
				kind:    dnsblBanCheck,
				zone:    zone,
				nick:    rec.Nick,
				channel: channel,
				addr:    rec.Addr,
			})
		}
	}
}

// banAndRemove sets a ban mask for the host, kicks the user, and announces
// the action to the channel.
func (p *Pipeline) banAndRemove(channel string, rec *session.Record, reason string) {
	host := rec.Host
	if rec.Addr.IsValid() {
		host = rec.Addr.String()
	}
	log.Printf("moderator: banning %s (%s) from %s: %s", rec.Nick, host, channel, reason)
	p.cmd.Mode(channel, "+b *!*@"+host)
	p.cmd.Kick(channel, rec.Nick, reason)
	p.cmd.Privmsg(channel, fmt.Sprintf("Removed %s (%s)", rec.Nick, reason))
	p.sessions.Remove(channel, rec.Nick)
}

// onDNSBLAnswer runs on the control goroutine via Drain. Current membership
// is re-validated before acting: a reply for a user who already left is
// discarded without error.
func (p *Pipeline) onDNSBLAnswer(answers []string, ctx any) {
	c, ok := ctx.(dnsblContext)
	if !ok {
		return
	}
	switch c.kind {
	case dnsblReport:
		verdict := "not listed"
		if dnsbl.Listed(answers) {
			verdict = "LISTED"
		}
		p.cmd.Privmsg(c.replyTo, fmt.Sprintf("%s: %s on %s", c.nick, verdict, c.zone))
	case dnsblBanCheck:
		if !dnsbl.Listed(answers) {
			return
		}
		rec, present := p.sessions.Get(c.channel, c.nick)
		if !present || rec.Addr != c.addr {
			p.stats.StaleCallbacks.Add(1)
			return
		}
		p.stats.DNSBLBans.Add(1)
		p.banAndRemove(c.channel, rec, fmt.Sprintf("listed on %s", c.zone))
	}
}

// handleWhoisIP applies a (possibly late) identity reply. Replies for nicks
// that left, changed nick, or rejoined are matched against what is still in
// the registry; anything stale is dropped silently.
func (p *Pipeline) handleWhoisIP(ev irc.WhoisIPEvent) {
	if !ev.Addr.IsValid() {
		log.Printf("moderator: unable to determine IP for %s from whois; try changing servers", ev.Nick)
		p.answerPendingCheck(ev.Nick, "whois gave no usable address for "+ev.Nick)
		return
	}
	records := p.sessions.RecordsOf(ev.Nick)
	if len(records) == 0 {
		p.stats.StaleCallbacks.Add(1)
	}
	for channel, rec := range records {
		rec.Addr = ev.Addr
		p.resolveCountry(channel, rec)
	}
	p.reportCheck(ev.Nick, ev.Addr)
}

// handleWhoisUser fills in ident, host and real name for a tracked nick.
// The join event already carries ident@host, so those are only adopted when
// the record has none (a nick asked about via check before it was seen).
func (p *Pipeline) handleWhoisUser(ev irc.WhoisUserEvent) {
	for _, rec := range p.sessions.RecordsOf(ev.Nick) {
		rec.RealName = ev.RealName
		if rec.Ident == "" {
			rec.Ident = ev.Ident
		}
		if rec.Host == "" {
			rec.Host = ev.Host
		}
	}
}

// watchForImpersonation alerts the control channel when a joiner's nick is
// suspiciously close to a protected nick.
func (p *Pipeline) watchForImpersonation(channel, nick string, excepted bool) {
	if excepted || p.controlChannel == "" || len(p.protectedNicks) == 0 {
		return
	}
	folded := strings.ToLower(nick)
	for _, protected := range p.protectedNicks {
		pf := strings.ToLower(protected)
		if folded == pf {
			continue
		}
		if levenshtein.ComputeDistance(folded, pf) <= p.watchDistance {
			p.stats.WatchAlerts.Add(1)
			p.cmd.Privmsg(p.controlChannel, fmt.Sprintf(
				"warning: %s joined %s with a nick resembling protected nick %s", nick, channel, protected))
			return
		}
	}
}

// archiveSolved drains the solved-captcha queue and retroactively grants the
// exception in every channel the nick currently occupies, each against its
// own policy.
func (p *Pipeline) archiveSolved() {
	if !p.initialized {
		return
	}
	solved, err := p.store.ArchiveSolved()
	if err != nil {
		log.Printf("moderator: archive solved captchas failed: %v", err)
		return
	}
	for _, row := range solved {
		p.stats.CaptchasArchived.Add(1)
		log.Printf("moderator: solved captcha: %s %s", row.Nick, row.PostIP)
		for _, channel := range p.sessions.ChannelsOf(row.Nick) {
			p.grantException(channel, row.Nick, row.TrustKey)
		}
	}
}

func (p *Pipeline) reapStale() {
	p.expirePendingChecks()
	n, err := p.store.ReapStale()
	if err != nil {
		log.Printf("moderator: reap stale captchas failed: %v", err)
		return
	}
	if n > 0 {
		p.stats.StaleReaped.Add(uint64(n))
		log.Printf("moderator: reaped %d stale captchas", n)
	}
}

// keepNick reclaims the configured nick after a collision forced a suffix.
func (p *Pipeline) keepNick() {
	if p.cmd.CurrentNick() != p.cmd.OrigNick() {
		p.cmd.Nick(p.cmd.OrigNick())
	}
}

func (p *Pipeline) handleNames(ev irc.NamesEvent) {
	for _, member := range ev.Members {
		rec, ok := p.sessions.Get(ev.Channel, member.Nick)
		if !ok {
			// Present before we joined; identity arrives via WHOIS if a
			// chancheck asks for it.
			rec = &session.Record{Nick: member.Nick}
			p.sessions.Add(ev.Channel, rec)
		}
		rec.Op = member.Op
		rec.Voiced = member.Voiced
	}
}

func (p *Pipeline) handleMode(ev irc.ModeEvent) {
	for _, change := range ev.Changes {
		if change.Arg == "" {
			continue
		}
		rec, ok := p.sessions.Get(ev.Channel, change.Arg)
		if !ok {
			continue
		}
		switch change.Mode {
		case 'o':
			rec.Op = change.Add
		case 'v':
			rec.Voiced = change.Add
		}
	}
}

func (p *Pipeline) selfOp(channel string) bool {
	rec, ok := p.sessions.Get(channel, p.cmd.CurrentNick())
	return ok && rec.Op
}
