package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/0xPuncker/undertaker/internal/api"
	"github.com/0xPuncker/undertaker/pkg/types"
	"github.com/spf13/cobra"
)

var serverURL string

var enqueueOpts struct {
	name        string
	description string
	static      bool
	params      []string
	at          string
	after       []string
}

var jobsOpts struct {
	status string
	limit  int
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue Type.Method",
	Short: "Add a job to a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildCreateRequest(args[0])
		if err != nil {
			return err
		}

		var job api.JobResponse
		if err := call(http.MethodPost, "/jobs", req, &job); err != nil {
			return err
		}
		fmt.Printf("Job enqueued successfully: %s (%s, %s)\n", job.ID, job.Name, job.Status)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Jobs         types.StoreStats `json:"jobs"`
			Total        int              `json:"total"`
			Workers      int              `json:"workers"`
			AgentRunning bool             `json:"agent_running"`
		}
		if err := call(http.MethodGet, "/stats", nil, &resp); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Agent running:\t%t\n", resp.AgentRunning)
		fmt.Fprintf(w, "Workers:\t%d\n", resp.Workers)
		fmt.Fprintf(w, "Ready:\t%d\n", resp.Jobs.Ready)
		fmt.Fprintf(w, "Blocked:\t%d\n", resp.Jobs.Blocked)
		fmt.Fprintf(w, "Processing:\t%d\n", resp.Jobs.Processing)
		fmt.Fprintf(w, "Completed:\t%d\n", resp.Jobs.Completed)
		fmt.Fprintf(w, "Errored:\t%d\n", resp.Jobs.Errored)
		fmt.Fprintf(w, "Total:\t%d\n", resp.Total)
		return w.Flush()
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		if jobsOpts.status != "" {
			query.Set("status", jobsOpts.status)
		}
		if jobsOpts.limit > 0 {
			query.Set("limit", strconv.Itoa(jobsOpts.limit))
		}
		path := "/jobs"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}

		var resp struct {
			Jobs []api.JobResponse `json:"jobs"`
		}
		if err := call(http.MethodGet, path, nil, &resp); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tWORK\tRUN AT\tDUE")
		for _, job := range resp.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				job.ID, job.Name, job.Status, job.Work, job.RunAt.Format(time.RFC3339), job.DueIn)
		}
		return w.Flush()
	},
}

func init() {
	for _, cmd := range []*cobra.Command{enqueueCmd, statusCmd, jobsCmd} {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "address of a running undertaker server")
	}

	enqueueCmd.Flags().StringVar(&enqueueOpts.name, "name", "", "job name (defaults to the method name)")
	enqueueCmd.Flags().StringVar(&enqueueOpts.description, "description", "", "job description")
	enqueueCmd.Flags().BoolVar(&enqueueOpts.static, "static", true, "reference a static method")
	enqueueCmd.Flags().StringArrayVar(&enqueueOpts.params, "param", nil, "parameter as type=value, repeatable")
	enqueueCmd.Flags().StringVar(&enqueueOpts.at, "at", "", "earliest run time, RFC3339 or a delay such as 10m")
	enqueueCmd.Flags().StringSliceVar(&enqueueOpts.after, "after", nil, "ids of jobs that must complete first")

	jobsCmd.Flags().StringVar(&jobsOpts.status, "status", "", "only list jobs with this status")
	jobsCmd.Flags().IntVar(&jobsOpts.limit, "limit", 0, "maximum number of jobs to list")
}

func buildCreateRequest(work string) (*api.CreateJobRequest, error) {
	typeName, method := "", work
	if i := strings.LastIndex(work, "."); i >= 0 {
		typeName, method = work[:i], work[i+1:]
	}

	req := &api.CreateJobRequest{
		Name:        enqueueOpts.name,
		Description: enqueueOpts.description,
		Type:        typeName,
		Method:      method,
		Static:      enqueueOpts.static,
		After:       enqueueOpts.after,
	}

	for _, raw := range enqueueOpts.params {
		typ, value, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("invalid parameter %q, expected type=value", raw)
		}
		req.Parameters = append(req.Parameters, types.Parameter{TypeName: typ, Value: value})
	}

	if enqueueOpts.at != "" {
		runAt, err := parseRunAt(enqueueOpts.at, time.Now())
		if err != nil {
			return nil, err
		}
		req.RunAt = &runAt
	}
	return req, nil
}

func parseRunAt(value string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid run time %q: use RFC3339 or a duration", value)
	}
	return t, nil
}

func call(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		return fmt.Errorf("server returned %s: %s", resp.Status, apiErr.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
