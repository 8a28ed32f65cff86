// cmd/fleetq/status.go — fleetq status subcommand.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
)

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := fs.String("server", defaultServer(), "orchestrator address")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fleetq status [--server addr] <job_id>")
		os.Exit(1)
	}
	jobID := fs.Arg(0)

	var job struct {
		ID        int64           `json:"id"`
		Kind      string          `json:"kind"`
		Status    string          `json:"status"`
		Priority  int             `json:"priority"`
		Retries   int             `json:"retries"`
		Reserved  *string         `json:"reserved_by"`
		Result    json.RawMessage `json:"result"`
		Error     *string         `json:"error"`
		CreatedAt string          `json:"created_at"`
	}
	_, err := doJSON(http.MethodGet, *server+"/v1/jobs/"+jobID, nil, &job)
	if err != nil {
		fatalf("status: %v", err)
	}

	fmt.Printf("job_id:     %d\n", job.ID)
	fmt.Printf("kind:       %s\n", job.Kind)
	fmt.Printf("status:     %s\n", job.Status)
	fmt.Printf("priority:   %d\n", job.Priority)
	fmt.Printf("retries:    %d\n", job.Retries)
	fmt.Printf("created_at: %s\n", job.CreatedAt)
	if job.Reserved != nil {
		fmt.Printf("reserved_by: %s\n", *job.Reserved)
	}
	if job.Error != nil {
		fmt.Printf("error:      %s\n", *job.Error)
	}
	if len(job.Result) > 0 && string(job.Result) != "null" {
		fmt.Printf("result:     %s\n", job.Result)
	}
}
