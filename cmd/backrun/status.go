// backrun status subcommand.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
)

// jobView mirrors the API's job status document.
type jobView struct {
	JobID           string             `json:"job_id"`
	Workload        string             `json:"workload"`
	Principal       string             `json:"principal"`
	Lane            string             `json:"lane"`
	Status          string             `json:"status"`
	ProgressPercent int                `json:"progress_percent"`
	Stage           string             `json:"stage"`
	CurrentItem     string             `json:"current_item"`
	RetryCount      int                `json:"retry_count"`
	DeadLettered    bool               `json:"dead_lettered"`
	ErrorMessage    *string            `json:"error_message"`
	ResultPath      *string            `json:"result_path"`
	SummaryMetrics  map[string]float64 `json:"summary_metrics"`
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "API server base URL")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "status: job ID argument is required")
		os.Exit(1)
	}
	jobID := fs.Arg(0)

	var st jobView
	if err := newClient(*server, "").do(http.MethodGet, "/api/v1/jobs/"+jobID, nil, &st); err != nil {
		fatal("status", err)
	}
	printJob(&st)
}

func printJob(st *jobView) {
	fmt.Printf("job_id:    %s\n", st.JobID)
	fmt.Printf("workload:  %s\n", st.Workload)
	fmt.Printf("principal: %s\n", st.Principal)
	fmt.Printf("lane:      %s\n", st.Lane)
	fmt.Printf("status:    %s\n", st.Status)
	fmt.Printf("progress:  %d%%", st.ProgressPercent)
	if st.Stage != "" {
		fmt.Printf("  (%s", st.Stage)
		if st.CurrentItem != "" {
			fmt.Printf(": %s", st.CurrentItem)
		}
		fmt.Print(")")
	}
	fmt.Println()
	if st.RetryCount > 0 {
		fmt.Printf("retries:   %d\n", st.RetryCount)
	}
	if st.DeadLettered {
		fmt.Println("dead_lettered: true")
	}
	if st.ErrorMessage != nil {
		fmt.Printf("error:     %s\n", *st.ErrorMessage)
	}
	if st.ResultPath != nil {
		fmt.Printf("result:    %s\n", *st.ResultPath)
	}
	for k, v := range st.SummaryMetrics {
		fmt.Printf("  %s: %g\n", k, v)
	}
}
