// Package main implements fakerelay — a deterministic brook-protocol
// websocket responder for integration and manual testing of client
// implementations. It models the core behaviors of the real backend:
// API-key authentication (with optional re-challenge), heartbeat echo,
// per-channel message journal with offset-based replay, publish fan-out,
// and the HTTP fallback publish endpoint.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var (
	flagAddr       = flag.String("addr", "127.0.0.1:19100", "listen address")
	flagKeys       = flag.String("keys", "", "comma-separated accepted API keys (empty accepts any key)")
	flagChallenge  = flag.Bool("challenge", false, "reply auth_required once before accepting credentials")
	flagJournalMax = flag.Int("journal-max", 100000, "maximum journal entries per channel before eviction")
	flagHeartbeat  = flag.Duration("heartbeat", 15*time.Second, "server heartbeat interval (0 disables)")
	flagLogConn    = flag.Bool("log-conn", true, "log connect/disconnect events")
	flagAuthDelay  = flag.Duration("auth-delay", 0, "artificial delay before answering the handshake")
)

func main() {
	flag.Parse()

	keys := map[string]struct{}{}
	for _, key := range strings.Split(*flagKeys, ",") {
		key = strings.TrimSpace(key)
		if key != "" {
			keys[key] = struct{}{}
		}
	}

	relay := newRelay(relayConfig{
		acceptedKeys:      keys,
		challenge:         *flagChallenge,
		journalMax:        *flagJournalMax,
		heartbeatInterval: *flagHeartbeat,
		logConnections:    *flagLogConn,
		authDelay:         *flagAuthDelay,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/publish", relay.handlePublishHTTP)
	mux.HandleFunc("/", relay.handleWebsocket)

	server := &http.Server{Addr: *flagAddr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("fakerelay: received %v, shutting down", sig)
		_ = server.Close()
	}()

	log.Printf("fakerelay listening on %s (keys=%d challenge=%v journal-max=%d heartbeat=%s)",
		*flagAddr, len(keys), *flagChallenge, *flagJournalMax, *flagHeartbeat)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("fakerelay: serve: %v", err)
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stderr)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fakerelay — deterministic brook-protocol websocket responder\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}
