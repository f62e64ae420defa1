// backrun submit subcommand.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "API server base URL")
	principal := fs.String("principal", "", "submitting principal (or BACKRUN_PRINCIPAL)")
	workload := fs.String("workload", "", "workload name (required)")
	start := fs.String("start", "", "start date, YYYY-MM-DD (required)")
	end := fs.String("end", "", "end date, YYYY-MM-DD (required)")
	variant := fs.String("variant", "", "strategy variant (required)")
	lane := fs.String("lane", "", "priority lane: high, normal, low")
	timeout := fs.Duration("timeout", 0, "execution timeout (e.g. 30m, 2h)")
	rerun := fs.Bool("rerun", false, "re-run a finished job with a fresh retry budget")

	params := map[string]string{}
	fs.Func("param", "strategy parameter as key=value (repeatable)", func(v string) error {
		k, val, ok := strings.Cut(v, "=")
		if !ok {
			return fmt.Errorf("expected key=value, got %q", v)
		}
		params[k] = val
		return nil
	})
	_ = fs.Parse(args)

	if *workload == "" || *start == "" || *end == "" || *variant == "" {
		fmt.Fprintln(os.Stderr, "submit: --workload, --start, --end, and --variant are required")
		fs.Usage()
		os.Exit(1)
	}

	body := map[string]any{
		"workload":   *workload,
		"start_date": *start,
		"end_date":   *end,
		"variant":    *variant,
		"params":     params,
		"lane":       *lane,
		"rerun":      *rerun,
	}
	if *timeout > 0 {
		body["timeout_seconds"] = int64(*timeout / time.Second)
	}

	var res struct {
		JobID   string `json:"job_id"`
		Status  string `json:"status"`
		Lane    string `json:"lane"`
		Created bool   `json:"created"`
		Rerun   bool   `json:"rerun"`
		Healed  bool   `json:"healed"`
	}
	if err := newClient(*server, *principal).do(http.MethodPost, "/api/v1/jobs", body, &res); err != nil {
		fatal("submit", err)
	}

	fmt.Printf("job_id:  %s\n", res.JobID)
	fmt.Printf("status:  %s\n", res.Status)
	fmt.Printf("lane:    %s\n", res.Lane)
	fmt.Printf("created: %v\n", res.Created)
	if res.Rerun {
		fmt.Println("rerun:   true")
	}
	if res.Healed {
		fmt.Println("healed:  true")
	}
}
