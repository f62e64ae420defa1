// backrun list and deadletter subcommands.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "API server base URL")
	principal := fs.String("principal", "", "filter by principal")
	workload := fs.String("workload", "", "filter by workload")
	status := fs.String("status", "", "filter by status")
	limit := fs.Int("limit", 50, "maximum rows")
	_ = fs.Parse(args)

	q := url.Values{}
	if *principal != "" {
		q.Set("principal", *principal)
	}
	if *workload != "" {
		q.Set("workload", *workload)
	}
	if *status != "" {
		q.Set("status", *status)
	}
	q.Set("limit", strconv.Itoa(*limit))

	fetchAndPrint(*server, "/api/v1/jobs?"+q.Encode(), "list")
}

func runDeadLetter(args []string) {
	fs := flag.NewFlagSet("deadletter", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "API server base URL")
	limit := fs.Int("limit", 50, "maximum rows")
	_ = fs.Parse(args)

	fetchAndPrint(*server, "/api/v1/deadletter?limit="+strconv.Itoa(*limit), "deadletter")
}

func fetchAndPrint(server, path, cmd string) {
	var out struct {
		Jobs []jobView `json:"jobs"`
	}
	if err := newClient(server, "").do(http.MethodGet, path, nil, &out); err != nil {
		fatal(cmd, err)
	}

	if len(out.Jobs) == 0 {
		fmt.Println("no jobs")
		return
	}
	fmt.Printf("%-64s  %-10s  %-6s  %4s  %s\n", "JOB ID", "STATUS", "LANE", "PROG", "WORKLOAD")
	for _, j := range out.Jobs {
		status := j.Status
		if j.DeadLettered {
			status = "dead"
		}
		fmt.Printf("%-64s  %-10s  %-6s  %3d%%  %s\n",
			j.JobID, status, j.Lane, j.ProgressPercent, j.Workload)
	}
}
