// cmd/fleetq/token.go — fleetq token subcommand. Mints a worker credential
// signed with the shared WORKER_TOKEN_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yourorg/fleetq/internal/auth"
)

func runToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	workerID := fs.String("worker-id", "", "worker identity to embed")
	scopes := fs.String("scopes", auth.ScopeClaim+","+auth.ScopeReport,
		"comma-separated scope list")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)

	if *workerID == "" {
		fmt.Fprintln(os.Stderr, "Usage: fleetq token --worker-id <id> [--scopes s1,s2] [--ttl 24h]")
		os.Exit(1)
	}
	secret := os.Getenv("WORKER_TOKEN_SECRET")
	if secret == "" {
		fatalf("token: WORKER_TOKEN_SECRET is not set")
	}

	tok, err := auth.Mint([]byte(secret), *workerID,
		strings.Split(*scopes, ","), *ttl)
	if err != nil {
		fatalf("token: %v", err)
	}
	fmt.Println(tok)
}
