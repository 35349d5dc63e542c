package irc

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

// Client maintains the connection to the IRC network, feeds parsed events to
// the pipeline, and exposes the command sink. Commands are fire-and-forget:
// a send failure is logged and surfaces later as a read error / reconnect.
type Client struct {
	servers     []string
	serverIdx   int
	origNick    string
	realName    string
	bindAddress string
	useTLS      bool
	ipv6        bool

	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	writer    *bufio.Writer
	events    chan Event
	shutdown  chan struct{}
	reconnect chan struct{}
	stopOnce  sync.Once

	nickMu      sync.Mutex
	currentNick string
}

// Options configures a Client; zero values get sane defaults.
type Options struct {
	Servers     []string
	Nickname    string
	RealName    string
	BindAddress string
	UseTLS      bool
	IPv6        bool
}

// NewClient creates a new IRC client
func NewClient(opts Options) *Client {
	realName := opts.RealName
	if realName == "" {
		realName = opts.Nickname
	}
	return &Client{
		servers:     opts.Servers,
		origNick:    opts.Nickname,
		currentNick: opts.Nickname,
		realName:    realName,
		bindAddress: opts.BindAddress,
		useTLS:      opts.UseTLS,
		ipv6:        opts.IPv6,
		events:      make(chan Event, 100),
		shutdown:    make(chan struct{}),
		reconnect:   make(chan struct{}, 1),
	}
}

// Events returns the channel the pipeline consumes. Exactly one
// DisconnectEvent follows every connection loss.
func (c *Client) Events() <-chan Event {
	return c.events
}

// CurrentNick returns the nick we currently hold on the network.
func (c *Client) CurrentNick() string {
	c.nickMu.Lock()
	defer c.nickMu.Unlock()
	return c.currentNick
}

// OrigNick returns the configured nick we try to reclaim after collisions.
func (c *Client) OrigNick() string {
	return c.origNick
}

// Connect establishes the initial connection and starts the supervision loop.
// The first dial runs synchronously so failures are reported to the caller;
// subsequent disconnects are handled by the background reconnect loop.
func (c *Client) Connect() error {
	if err := c.establishConnection(); err != nil {
		return err
	}
	go c.connectionSupervisor()
	return nil
}

// Stop closes the connection and stops the supervisor.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.shutdown)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) establishConnection() error {
	addr := c.servers[c.serverIdx%len(c.servers)]
	c.serverIdx++
	log.Printf("irc: connecting to %s...", addr)

	network := "tcp4"
	if c.ipv6 {
		network = "tcp"
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	if c.bindAddress != "" {
		local, err := net.ResolveTCPAddr(network, net.JoinHostPort(c.bindAddress, "0"))
		if err != nil {
			return fmt.Errorf("irc: bad bind address %q: %w", c.bindAddress, err)
		}
		dialer.LocalAddr = local
	}
	conn, err := dialer.Dial(network, addr)
	if err != nil {
		return fmt.Errorf("irc: failed to connect to %s: %w", addr, err)
	}
	if c.useTLS {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			host = addr
		}
		conn = tls.Client(conn, &tls.Config{ServerName: host})
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.writeMu.Lock()
	c.writer = bufio.NewWriter(conn)
	c.writeMu.Unlock()

	c.nickMu.Lock()
	c.currentNick = c.origNick
	c.nickMu.Unlock()

	log.Printf("irc: connection established to %s", addr)

	c.register()
	go c.readLoop(conn)
	return nil
}

// register sends the login sequence for the current connection.
func (c *Client) register() {
	c.send("NICK " + c.origNick)
	c.send(fmt.Sprintf("USER %s 0 * :%s", c.origNick, c.realName))
}

// connectionSupervisor waits for disconnect notifications and orchestrates
// exponential backoff reconnect attempts while honoring shutdown signals.
func (c *Client) connectionSupervisor() {
	const (
		initialDelay = 5 * time.Second
		maxDelay     = 60 * time.Second
	)

	for {
		select {
		case <-c.shutdown:
			return
		case <-c.reconnect:
			if c.isShutdown() {
				return
			}
			delay := initialDelay
			for {
				if c.isShutdown() {
					return
				}
				log.Printf("irc: attempting reconnect...")
				if err := c.establishConnection(); err != nil {
					log.Printf("irc: reconnect failed: %v (retry in %s)", err, delay)
					timer := time.NewTimer(delay)
					select {
					case <-timer.C:
					case <-c.shutdown:
						timer.Stop()
						return
					}
					delay *= 2
					if delay > maxDelay {
						delay = maxDelay
					}
					continue
				}
				break
			}
		}
	}
}

func (c *Client) readLoop(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	for {
		select {
		case <-c.shutdown:
			return
		default:
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
			line, err := c.reader.ReadString('\n')
			if err != nil {
				if c.isShutdown() {
					return
				}
				log.Printf("irc: read error: %v", err)
				c.deliver(DisconnectEvent{})
				c.requestReconnect()
				return
			}
			c.handleLine(line)
		}
	}
}

func (c *Client) handleLine(line string) {
	event, err := ParseLine(line)
	if err != nil {
		log.Printf("irc: dropping malformed line: %v", err)
		return
	}
	if event == nil {
		return
	}
	switch ev := event.(type) {
	case pingEvent:
		c.send("PONG :" + ev.Token)
		return
	case NickInUseEvent:
		// Collision during registration: append an underscore and retry,
		// the pipeline's keep-nick tick reclaims the original later.
		c.nickMu.Lock()
		next := c.currentNick + "_"
		retry := len(next) <= 9
		if retry {
			c.currentNick = next
		}
		c.nickMu.Unlock()
		if retry {
			log.Printf("irc: nick in use, trying %s", next)
			c.send("NICK " + next)
		}
	case NickEvent:
		// Nicks compare case-insensitively; the server may echo ours with
		// different casing.
		c.nickMu.Lock()
		if strings.EqualFold(ev.Old, c.currentNick) {
			c.currentNick = ev.New
		}
		c.nickMu.Unlock()
	}
	c.deliver(event)
}

func (c *Client) deliver(event Event) {
	select {
	case c.events <- event:
	case <-c.shutdown:
	}
}

func (c *Client) requestReconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

func (c *Client) isShutdown() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

// send writes one command line; errors are logged and left for the read loop
// to detect as a dropped connection.
func (c *Client) send(line string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writer == nil {
		return
	}
	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		log.Printf("irc: write failed: %v", err)
		return
	}
	if err := c.writer.Flush(); err != nil {
		log.Printf("irc: flush failed: %v", err)
	}
}

// Privmsg sends a message to a nick or channel.
func (c *Client) Privmsg(target, text string) {
	c.send(fmt.Sprintf("PRIVMSG %s :%s", target, text))
}

// Mode applies a mode string to a channel, e.g. "+v nick" or "+b *!*@host".
func (c *Client) Mode(channel, modeString string) {
	c.send(fmt.Sprintf("MODE %s %s", channel, modeString))
}

// Kick removes a user from a channel.
func (c *Client) Kick(channel, nick, reason string) {
	if reason == "" {
		reason = nick
	}
	c.send(fmt.Sprintf("KICK %s %s :%s", channel, nick, reason))
}

// Whois issues an identity query for a nick.
func (c *Client) Whois(nick string) {
	c.send("WHOIS " + nick)
}

// Join enters a channel.
func (c *Client) Join(channel string) {
	c.send("JOIN " + channel)
}

// Part leaves a channel.
func (c *Client) Part(channel string) {
	c.send("PART " + channel)
}

// Nick requests a nick change (used by the keep-nick reclaim tick).
func (c *Client) Nick(nick string) {
	if strings.TrimSpace(nick) == "" {
		return
	}
	c.send("NICK " + nick)
}
