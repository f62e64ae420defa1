// backrun watch subcommand. Polls one job until it reaches a terminal
// state.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "API server base URL")
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "watch: job ID argument is required")
		os.Exit(1)
	}
	jobID := fs.Arg(0)
	c := newClient(*server, "")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)

	fmt.Printf("watching job %s (ctrl-c to stop)\n", jobID)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var lastLine string
	for {
		var st jobView
		if err := c.do(http.MethodGet, "/api/v1/jobs/"+jobID, nil, &st); err != nil {
			fatal("watch", err)
		}

		line := fmt.Sprintf("status=%-10s  progress=%3d%%  stage=%s",
			st.Status, st.ProgressPercent, st.Stage)
		if st.CurrentItem != "" {
			line += "  item=" + st.CurrentItem
		}
		if line != lastLine {
			fmt.Println(line)
			lastLine = line
		}

		if terminalStatuses[st.Status] {
			if st.ErrorMessage != nil {
				fmt.Printf("error: %s\n", *st.ErrorMessage)
			}
			if st.ResultPath != nil {
				fmt.Printf("result: %s\n", *st.ResultPath)
			}
			return
		}

		select {
		case <-sig:
			return
		case <-ticker.C:
		}
	}
}
