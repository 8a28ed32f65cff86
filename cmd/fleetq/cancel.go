// cmd/fleetq/cancel.go — fleetq cancel subcommand.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
)

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	server := fs.String("server", defaultServer(), "orchestrator address")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fleetq cancel [--server addr] <job_id>")
		os.Exit(1)
	}
	jobID := fs.Arg(0)

	if _, err := doJSON(http.MethodDelete, *server+"/v1/jobs/"+jobID, nil, nil); err != nil {
		fatalf("cancel: %v", err)
	}
	fmt.Printf("cancelled job %s\n", jobID)
}
