// Command totp prints the current 6-digit code for a base32 seed, for
// scripting the two-factor leg of the binary venue login.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	kiteauth "venuelink/internal/auth/kite"
)

func main() {
	seed := flag.String("seed", "", "base32 TOTP seed, falls back to the first argument then TOTP_SEED")
	flag.Parse()

	s := *seed
	if s == "" && flag.NArg() > 0 {
		s = flag.Arg(0)
	}
	if s == "" {
		s = os.Getenv("TOTP_SEED")
	}
	if s == "" {
		log.Fatal("no seed given")
	}

	code, err := kiteauth.TOTPNow(s)
	if err != nil {
		log.Fatalf("generate code: %v", err)
	}
	fmt.Println(code)
}
