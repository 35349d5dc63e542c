package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/vikingsloth/IRCCaptchaBot/geoip"
)

func main() {
	zoneDir := flag.String("zones", "data/geoip", "directory of <cc>.zone files")
	snapshot := flag.String("snapshot", "", "compiled snapshot to load instead of zone files")
	flag.Parse()

	var entries []geoip.Entry
	var err error
	if *snapshot != "" {
		entries, _, err = geoip.LoadSnapshot(*snapshot)
	} else {
		entries, err = geoip.LoadDir(*zoneDir)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading geoip data: %v\n", err)
		os.Exit(1)
	}

	table := geoip.NewTable()
	table.Load(entries)
	fmt.Printf("loaded %d prefixes\n", len(entries))
	fmt.Println("enter IP addresses (Ctrl+C to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		addr, parseErr := netip.ParseAddr(text)
		if parseErr != nil {
			fmt.Println("not an IP address")
			continue
		}
		fmt.Printf("%s -> %s\n", addr, table.Lookup(addr))
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "input error: %v\n", err)
	}
}
