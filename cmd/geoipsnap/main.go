package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vikingsloth/IRCCaptchaBot/geoip"
)

// geoipsnap compiles a directory of <cc>.zone files into the pebble
// snapshot the bot loads at startup.
func main() {
	zoneDir := flag.String("zones", "data/geoip", "directory of <cc>.zone files")
	out := flag.String("out", "data/geoip.snap", "output snapshot path")
	flag.Parse()

	entries, err := geoip.LoadDir(*zoneDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading zone files: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Fprintf(os.Stderr, "no prefixes found in %s\n", *zoneDir)
		os.Exit(1)
	}

	if err := geoip.WriteSnapshot(*out, entries); err != nil {
		fmt.Fprintf(os.Stderr, "error writing snapshot: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d prefixes to %s\n", len(entries), *out)
}
