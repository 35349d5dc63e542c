package moderator

import (
	"fmt"
	"log"
	"net/netip"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vikingsloth/IRCCaptchaBot/dnsbl"
	"github.com/vikingsloth/IRCCaptchaBot/irc"
	"github.com/vikingsloth/IRCCaptchaBot/policy"
)

const commandPrefix = ".cmd"

// handlePrivmsg routes messages: control commands come from the control
// channel or from authorized private senders; everything else is ignored.
func (p *Pipeline) handlePrivmsg(ev irc.PrivmsgEvent) {
	argv := strings.Fields(ev.Text)
	if len(argv) == 0 || argv[0] != commandPrefix {
		return
	}
	if strings.EqualFold(ev.Target, p.controlChannel) && p.controlChannel != "" {
		p.handleControl(argv, ev.Target)
		return
	}
	if strings.EqualFold(ev.Target, p.cmd.CurrentNick()) && p.allowPrivmsg {
		if p.authorizedSender(ev.Source.Raw) {
			p.handleControl(argv, ev.Source.Nick)
		} else {
			log.Printf("moderator: ignoring control command from unauthorized %s", ev.Source.Raw)
		}
	}
}

func (p *Pipeline) authorizedSender(source string) bool {
	for _, re := range p.controlMasks {
		if re.MatchString(source) {
			return true
		}
	}
	return false
}

// handleControl executes one control command and replies to the requester.
func (p *Pipeline) handleControl(argv []string, replyTo string) {
	if len(argv) < 2 {
		return
	}
	switch strings.ToLower(argv[1]) {
	case "seclevel":
		p.cmdSeclevel(argv, replyTo)
	case "set":
		p.cmdSet(argv, replyTo)
	case "join":
		if len(argv) < 3 {
			return
		}
		p.cmd.Privmsg(replyTo, "Joining channel "+argv[2])
		p.cmd.Join(argv[2])
		p.adoptChannel(argv[2])
	case "part":
		if len(argv) < 3 {
			return
		}
		p.cmd.Privmsg(replyTo, "Parting channel "+argv[2])
		p.cmd.Part(argv[2])
		p.sessions.RemoveChannel(argv[2])
	case "check":
		p.cmdCheck(argv, replyTo)
	case "chancheck":
		p.cmdChanCheck(argv, replyTo)
	case "status":
		p.cmdStatus(replyTo)
	case "help":
		p.cmd.Privmsg(replyTo, "commands: seclevel <off|soft|secure>, set <chan> <param> <value>, "+
			"join <chan>, part <chan>, check <nick>, chancheck <chan>, status")
	default:
		p.cmd.Privmsg(replyTo, "Error, unknown command "+argv[1])
	}
}

// cmdSeclevel keeps the original global knob: it applies the challenge mode
// to every channel the bot moderates and becomes the default for channels
// joined later.
func (p *Pipeline) cmdSeclevel(argv []string, replyTo string) {
	if len(argv) < 3 {
		return
	}
	mode, ok := policy.ParseChallengeMode(argv[2])
	if !ok {
		p.cmd.Privmsg(replyTo, "Error, unknown level "+argv[2])
		return
	}
	p.defaultChallenge = mode
	for _, ch := range p.chanlist {
		pol := p.policies.Get(ch)
		pol.Challenge = mode
		p.policies.Set(ch, pol)
	}
	p.cmd.Privmsg(replyTo, "Challenge level set to "+strings.ToUpper(string(mode)))
}

// adoptChannel registers a channel joined at runtime so the seclevel default
// and future seclevel changes cover it.
func (p *Pipeline) adoptChannel(channel string) {
	for _, ch := range p.chanlist {
		if strings.EqualFold(ch, channel) {
			return
		}
	}
	p.chanlist = append(p.chanlist, channel)
	pol := p.policies.Get(channel)
	pol.Challenge = p.defaultChallenge
	p.policies.Set(channel, pol)
}

func (p *Pipeline) cmdSet(argv []string, replyTo string) {
	if len(argv) < 5 {
		p.cmd.Privmsg(replyTo, "Usage: set <channel> <param> <value>")
		return
	}
	if err := p.policies.SetParam(argv[2], argv[3], argv[4]); err != nil {
		p.cmd.Privmsg(replyTo, "Error: "+err.Error())
		return
	}
	p.cmd.Privmsg(replyTo, p.policies.Describe(argv[2]))
}

// cmdCheck runs a manual identity query; the report goes back to the
// requester once the WHOIS reply lands.
func (p *Pipeline) cmdCheck(argv []string, replyTo string) {
	if len(argv) < 3 {
		p.cmd.Privmsg(replyTo, "Usage: check <nick>")
		return
	}
	nick := argv[2]
	p.pendingChecks[strings.ToLower(nick)] = pendingCheck{replyTo: replyTo, askedAt: p.now()}
	p.cmd.Whois(nick)
	p.cmd.Privmsg(replyTo, "Checking "+nick+"...")
}

// cmdChanCheck re-queries every member of a channel that is still missing a
// resolved address or country.
func (p *Pipeline) cmdChanCheck(argv []string, replyTo string) {
	if len(argv) < 3 {
		p.cmd.Privmsg(replyTo, "Usage: chancheck <channel>")
		return
	}
	channel := argv[2]
	queried := 0
	for _, rec := range p.sessions.Members(channel) {
		if strings.EqualFold(rec.Nick, p.cmd.CurrentNick()) {
			continue
		}
		if rec.Addr.IsValid() && rec.Country != "" {
			continue
		}
		p.cmd.Whois(rec.Nick)
		queried++
	}
	p.cmd.Privmsg(replyTo, fmt.Sprintf("%s: re-querying %d members", channel, queried))
}

func (p *Pipeline) cmdStatus(replyTo string) {
	p.cmd.Privmsg(replyTo, fmt.Sprintf(
		"up %s | joins %s | challenges %s | exceptions %s | geo bans %s | dnsbl bans %s | sessions %d | resolver %d outstanding / %s done",
		humanize.Time(p.startedAt),
		humanize.Comma(int64(p.stats.JoinsSeen.Load())),
		humanize.Comma(int64(p.stats.ChallengesIssued.Load())),
		humanize.Comma(int64(p.stats.ExceptionsHit.Load())),
		humanize.Comma(int64(p.stats.GeoBans.Load())),
		humanize.Comma(int64(p.stats.DNSBLBans.Load())),
		p.sessions.Size(),
		p.resolver.Outstanding(),
		humanize.Comma(int64(p.resolver.Completed())),
	))
}

// reportCheck answers a pending manual check with the resolved address,
// country, and a reputation-list verdict per configured zone.
func (p *Pipeline) reportCheck(nick string, addr netip.Addr) {
	key := strings.ToLower(nick)
	pc, ok := p.pendingChecks[key]
	if !ok {
		return
	}
	delete(p.pendingChecks, key)
	country := p.geo.Lookup(addr)
	p.cmd.Privmsg(pc.replyTo, fmt.Sprintf("%s: addr=%s country=%s", nick, addr, country))
	for _, zone := range p.dnsblZones {
		qname, qok := dnsbl.ReverseQuery(addr, zone)
		if !qok {
			continue
		}
		p.resolver.Enqueue(qname, p.onDNSBLAnswer, dnsblContext{
			kind:    dnsblReport,
			zone:    zone,
			nick:    nick,
			replyTo: pc.replyTo,
		})
	}
}

// answerPendingCheck reports a failed manual check and drops it.
func (p *Pipeline) answerPendingCheck(nick, message string) {
	key := strings.ToLower(nick)
	pc, ok := p.pendingChecks[key]
	if !ok {
		return
	}
	delete(p.pendingChecks, key)
	p.cmd.Privmsg(pc.replyTo, message)
}

// expirePendingChecks drops manual checks the server never answered.
func (p *Pipeline) expirePendingChecks() {
	cutoff := p.now().Add(-5 * time.Minute)
	for nick, pc := range p.pendingChecks {
		if pc.askedAt.Before(cutoff) {
			delete(p.pendingChecks, nick)
		}
	}
}
