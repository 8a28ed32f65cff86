// cmd/fleetq/stats.go — fleetq stats subcommand.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"sort"
)

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	server := fs.String("server", defaultServer(), "orchestrator address")
	_ = fs.Parse(args)

	var stats map[string]int64
	if _, err := doJSON(http.MethodGet, *server+"/v1/stats", nil, &stats); err != nil {
		fatalf("stats: %v", err)
	}

	statuses := make([]string, 0, len(stats))
	for s := range stats {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Printf("%-10s %d\n", s, stats[s])
	}
}
