package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	httppprof "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/vikingsloth/IRCCaptchaBot/config"
	"github.com/vikingsloth/IRCCaptchaBot/dnsbl"
	"github.com/vikingsloth/IRCCaptchaBot/geoip"
	"github.com/vikingsloth/IRCCaptchaBot/irc"
	"github.com/vikingsloth/IRCCaptchaBot/ledger"
	"github.com/vikingsloth/IRCCaptchaBot/moderator"
)

const Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	fanout, err := setupLogging(cfg.Logging)
	if err != nil {
		log.Printf("Warning: file logging unavailable: %v", err)
	}
	defer fanout.Close()
	log.SetFlags(0)
	log.SetOutput(fanout)

	log.Printf("IRC Captcha Bot v%s starting...", Version)
	cfg.Print()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := ledger.Open(cfg.Captcha)
	if err != nil {
		log.Fatalf("Error opening captcha database: %v", err)
	}
	defer store.Close()
	log.Printf("Captcha ledger ready at %s", cfg.Captcha.DBPath)

	geo := geoip.NewTable()
	if err := loadGeoIP(geo, cfg.GeoIP); err != nil {
		log.Printf("Warning: geoip data unavailable, country checks degrade to %q: %v", geoip.Unknown, err)
	}

	resolver := dnsbl.NewResolver(cfg.DNSBL.Workers, 10*time.Second)
	resolver.Start(ctx)

	client := irc.NewClient(irc.Options{
		Servers:     cfg.IRC.Servers,
		Nickname:    cfg.IRC.Nickname,
		RealName:    cfg.IRC.RealName,
		BindAddress: cfg.IRC.BindAddress,
		UseTLS:      cfg.IRC.UseTLS,
		IPv6:        cfg.IRC.IPv6,
	})

	pipeline := moderator.New(cfg, client, store, geo, resolver)

	if cfg.Admin.HTTPPort > 0 {
		startAdminServer(cfg.Admin, pipeline, resolver)
	}

	if err := client.Connect(); err != nil {
		log.Fatalf("Error connecting to IRC: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		pipeline.Run(ctx, client.Events(), cfg.Ticks)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Println("Bot is running. Press Ctrl+C to stop.")

	sig := <-sigChan
	log.Printf("Received signal: %v", sig)
	log.Println("Shutting down gracefully...")

	cancel()
	client.Stop()
	<-done
	log.Println("Shutdown complete")
}

// loadGeoIP fills the lookup table, preferring the compiled snapshot when it
// is at least as new as the zone files. Falls back to parsing the zone
// directory, optionally rewriting the snapshot from what was parsed.
func loadGeoIP(table *geoip.Table, cfg config.GeoIPConfig) error {
	if cfg.SnapshotPath != "" {
		entries, builtAt, err := geoip.LoadSnapshot(cfg.SnapshotPath)
		if err == nil && !builtAt.Before(newestZoneMod(cfg.ZoneDir)) {
			table.Load(entries)
			log.Printf("Loaded %d geoip prefixes from snapshot %s (built %s)",
				len(entries), cfg.SnapshotPath, builtAt.UTC().Format(time.RFC3339))
			return nil
		}
		if err != nil {
			log.Printf("GeoIP snapshot unavailable (%v); parsing zone files", err)
		} else {
			log.Printf("GeoIP snapshot is older than zone files; parsing zone files")
		}
	}

	entries, err := geoip.LoadDir(cfg.ZoneDir)
	if err != nil {
		return err
	}
	table.Load(entries)
	log.Printf("Loaded %d geoip prefixes from %s", len(entries), cfg.ZoneDir)

	if cfg.SnapshotOnLoad && cfg.SnapshotPath != "" {
		if err := geoip.WriteSnapshot(cfg.SnapshotPath, entries); err != nil {
			log.Printf("Warning: failed to write geoip snapshot: %v", err)
		} else {
			log.Printf("Wrote geoip snapshot to %s", cfg.SnapshotPath)
		}
	}
	return nil
}

// newestZoneMod reports the most recent modification time among the zone
// files, or the zero time when the directory cannot be read.
func newestZoneMod(dir string) time.Time {
	matches, err := filepath.Glob(filepath.Join(dir, "*.zone"))
	if err != nil {
		return time.Time{}
	}
	var newest time.Time
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}

// startAdminServer exposes /status and /debug/pprof/* on the admin port.
func startAdminServer(cfg config.AdminConfig, pipeline *moderator.Pipeline, resolver *dnsbl.Resolver) {
	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.HTTPPort)
	mux := http.NewServeMux()

	json := jsoniter.ConfigCompatibleWithStandardLibrary
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		stats := pipeline.Stats()
		payload := map[string]any{
			"version":           Version,
			"uptime_seconds":    int64(pipeline.Uptime().Seconds()),
			"sessions":          pipeline.SessionCount(),
			"joins_seen":        stats.JoinsSeen.Load(),
			"challenges_issued": stats.ChallengesIssued.Load(),
			"exceptions_hit":    stats.ExceptionsHit.Load(),
			"geo_bans":          stats.GeoBans.Load(),
			"dnsbl_bans":        stats.DNSBLBans.Load(),
			"captchas_archived": stats.CaptchasArchived.Load(),
			"stale_reaped":      stats.StaleReaped.Load(),
			"stale_callbacks":   stats.StaleCallbacks.Load(),
			"watch_alerts":      stats.WatchAlerts.Load(),
			"dnsbl_outstanding": resolver.Outstanding(),
			"dnsbl_completed":   resolver.Completed(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("Admin: status encode failed: %v", err)
		}
	})

	mux.Handle("/debug/pprof/", http.HandlerFunc(httppprof.Index))
	mux.Handle("/debug/pprof/cmdline", http.HandlerFunc(httppprof.Cmdline))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(httppprof.Profile))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(httppprof.Symbol))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(httppprof.Trace))

	go func() {
		log.Printf("Admin HTTP listening on %s (/status + pprof)", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Admin HTTP server stopped: %v", err)
		}
	}()
}
