// backrun cancel subcommand.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
)

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "API server base URL")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "cancel: job ID argument is required")
		os.Exit(1)
	}
	jobID := fs.Arg(0)

	if err := newClient(*server, "").do(http.MethodDelete, "/api/v1/jobs/"+jobID, nil, nil); err != nil {
		fatal("cancel", err)
	}
	fmt.Println("cancellation accepted; a running job stops at its next checkpoint")
}
