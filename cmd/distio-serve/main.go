// Command distio-serve runs a standalone relay server: it accepts
// master connections, spawns child-process slaves on their behalf, and
// bridges envelopes between them (spec §4.9, §6).
//
// CLI argument parsing polish is explicitly out of scope for the spec
// this binary implements, so it sticks to the stdlib flag package
// rather than a richer CLI library.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.distio.dev/distio/transport/relay"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	port := flag.Int("port", relay.DefaultPort, "TCP port to listen on")
	passphrase := flag.String("passphrase", "", "shared passphrase required of connecting masters")
	flag.Parse()

	srv := &relay.Server{
		Addr: fmt.Sprintf(":%d", *port),
	}

	if *passphrase != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*passphrase), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("distio-serve: hash passphrase: %v", err)
		}
		srv.PassphraseHash = hash
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("distio-serve: listening on %s", srv.Addr)
		errCh <- srv.Listen()
	}()

	select {
	case <-sigCh:
		if err := srv.Close(); err != nil {
			log.Printf("distio-serve: close: %v", err)
		}
		os.Exit(0)
	case err := <-errCh:
		log.Printf("distio-serve: listen failed: %v", err)
		os.Exit(1)
	}
}
