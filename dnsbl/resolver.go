// Package dnsbl issues reputation-blocklist lookups without blocking the
// pipeline's control goroutine. Blocking DNS calls run on a small worker
// pool; finished lookups cross back into the control goroutine only through
// Drain, which invokes callbacks serially. That keeps all shared-state
// mutation single-threaded with one synchronization point.
package dnsbl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
)

// Callback receives the answer for one query on the control goroutine.
// answers is nil when the name does not exist or the lookup failed; both are
// non-matches, never errors the pipeline has to handle.
type Callback func(answers []string, ctx any)

// Resolver runs bounded-concurrency DNS lookups with a poll-based result path.
type Resolver struct {
	workers  int
	timeout  time.Duration
	queue    chan *task
	finished chan *task
	resolver *net.Resolver

	pendingMu sync.Mutex
	pending   map[uint64][]waiter

	outstanding atomic.Int64
	completed   atomic.Uint64

	startOnce sync.Once
}

// waiter is one caller of Enqueue: its callback plus the context the answer
// is matched against.
type waiter struct {
	callback Callback
	ctx      any
}

type task struct {
	qname   string
	key     uint64
	waiters []waiter
	answers []string
	err     error
}

// NewResolver builds a resolver with the given concurrency bound.
func NewResolver(workers int, timeout time.Duration) *Resolver {
	if workers <= 0 {
		workers = 5
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		workers:  workers,
		timeout:  timeout,
		queue:    make(chan *task, 1024),
		finished: make(chan *task, 1024),
		resolver: net.DefaultResolver,
		pending:  make(map[uint64][]waiter),
	}
}

// Start launches the worker pool.
func (r *Resolver) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		for i := 0; i < r.workers; i++ {
			go r.worker(ctx)
		}
	})
}

// Enqueue schedules a lookup and returns immediately. Queries for a name
// already in flight share that lookup: the DNS work is coalesced but every
// caller's callback is invoked with its own context when the answer drains.
func (r *Resolver) Enqueue(qname string, callback Callback, taskCtx any) {
	qname = strings.TrimSpace(qname)
	if qname == "" || callback == nil {
		return
	}
	key := xxh3.HashString(qname)
	w := waiter{callback: callback, ctx: taskCtx}

	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if _, inFlight := r.pending[key]; inFlight {
		r.pending[key] = append(r.pending[key], w)
		r.outstanding.Add(1)
		return
	}
	select {
	case r.queue <- &task{qname: qname, key: key}:
		r.pending[key] = []waiter{w}
		r.outstanding.Add(1)
	default:
		log.Printf("dnsbl: queue full, dropping query for %s", qname)
	}
}

// Drain must be called from the control goroutine. It invokes the callback
// of every lookup finished since the last call and returns how many it
// processed. No ordering is guaranteed between independent queries; each
// carries its own context so results are matched by context, not position.
func (r *Resolver) Drain() int {
	count := 0
	for {
		select {
		case t := <-r.finished:
			answers := t.answers
			if t.err != nil {
				if !isNotFound(t.err) {
					log.Printf("dnsbl: lookup %s failed: %v", t.qname, t.err)
				}
				answers = nil
			}
			for _, w := range t.waiters {
				count++
				r.outstanding.Add(-1)
				r.completed.Add(1)
				w.callback(answers, w.ctx)
			}
		default:
			return count
		}
	}
}

// Outstanding reports queries enqueued but not yet drained.
func (r *Resolver) Outstanding() int {
	return int(r.outstanding.Load())
}

// Completed reports the lifetime count of drained queries.
func (r *Resolver) Completed() uint64 {
	return r.completed.Load()
}

func (r *Resolver) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.queue:
			lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
			t.answers, t.err = r.resolver.LookupHost(lookupCtx, t.qname)
			cancel()
			t.waiters = r.takeWaiters(t.key)
			select {
			case r.finished <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}

// takeWaiters detaches the waiter list for a finished lookup. A caller that
// enqueues the same name afterwards starts a fresh lookup instead of being
// answered with a stale result.
func (r *Resolver) takeWaiters(key uint64) []waiter {
	r.pendingMu.Lock()
	ws := r.pending[key]
	delete(r.pending, key)
	r.pendingMu.Unlock()
	return ws
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}

// ReverseQuery builds the blocklist query name for an address: octet-reversed
// IPv4 (or nibble-reversed IPv6) joined with the list's zone suffix.
func ReverseQuery(addr netip.Addr, zone string) (string, bool) {
	zone = strings.Trim(strings.TrimSpace(zone), ".")
	if !addr.IsValid() || zone == "" {
		return "", false
	}
	addr = addr.Unmap()
	if addr.Is4() {
		ip := addr.As4()
		return fmt.Sprintf("%d.%d.%d.%d.%s", ip[3], ip[2], ip[1], ip[0], zone), true
	}
	return reverseNibbles(addr) + "." + zone, true
}

func reverseNibbles(addr netip.Addr) string {
	ip := addr.As16()
	var b strings.Builder
	b.Grow(len(ip) * 4)
	for i := len(ip) - 1; i >= 0; i-- {
		lo := ip[i] & 0x0f
		hi := ip[i] >> 4
		b.WriteString(fmt.Sprintf("%x.%x.", lo, hi))
	}
	return strings.TrimSuffix(b.String(), ".")
}

// Listed reports whether an answer set is a positive blocklist hit. Lists
// answer inside 127.0.0.0/8; anything else is a misconfigured or wildcarded
// zone and does not count.
func Listed(answers []string) bool {
	for _, a := range answers {
		addr, err := netip.ParseAddr(a)
		if err != nil || !addr.Is4() {
			continue
		}
		if addr.As4()[0] == 127 {
			return true
		}
	}
	return false
}
