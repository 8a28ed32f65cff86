// cmd/fleetq/submit.go — fleetq submit subcommand.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
)

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	server := fs.String("server", defaultServer(), "orchestrator address")
	kind := fs.String("kind", "", "job kind (e.g. generate_image)")
	payload := fs.String("payload", "{}", "JSON payload passed to the worker")
	priority := fs.Int("priority", 0, "priority, higher claims first")
	owner := fs.String("owner", "", "submitting user id")
	_ = fs.Parse(args)

	if *kind == "" {
		fmt.Fprintln(os.Stderr, "Usage: fleetq submit --kind <kind> [--payload json] [--priority n]")
		os.Exit(1)
	}
	if !json.Valid([]byte(*payload)) {
		fatalf("submit: --payload is not valid JSON")
	}

	var out struct {
		ID int64 `json:"id"`
	}
	_, err := doJSON(http.MethodPost, *server+"/v1/jobs", map[string]any{
		"kind":     *kind,
		"payload":  json.RawMessage(*payload),
		"priority": *priority,
		"owner":    *owner,
	}, &out)
	if err != nil {
		fatalf("submit: %v", err)
	}

	fmt.Printf("job_id: %d\n", out.ID)
}
