// Command stackrunctl is a thin Cobra CLI over a running stackrunnerd's
// submission surface: submit, status, result, list-tasks, cancel, and
// list-pending, all speaking JSON over HTTP.
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
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	exitOK         = 0
	exitBackendErr = 1
	exitValidation = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// isTTY reports whether stdout is an interactive terminal; piped/redirected
// output (CI logs, `| tee`) gets plain text instead of ANSI color codes.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func run(args []string) int {
	if !isTTY() {
		color.NoColor = true
	}

	var (
		baseURL string
		client  = &http.Client{Timeout: 30 * time.Second}
	)

	root := &cobra.Command{
		Use:           "stackrunctl",
		Short:         "Submit and inspect stackrunner task requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "addr", "http://localhost:8088", "stackrunnerd submission surface base URL")

	exitCode := exitOK
	fail := func(code int) { exitCode = code }

	root.AddCommand(submitCmd(&baseURL, client, fail))
	root.AddCommand(statusCmd(&baseURL, client, fail))
	root.AddCommand(resultCmd(&baseURL, client, fail))
	root.AddCommand(listTasksCmd(&baseURL, client, fail))
	root.AddCommand(listPendingCmd(&baseURL, client, fail))
	root.AddCommand(cancelCmd(&baseURL, client, fail))

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		if exitCode == exitOK {
			exitCode = exitBackendErr
		}
	}
	return exitCode
}

func submitCmd(baseURL *string, client *http.Client, fail func(int)) *cobra.Command {
	var (
		requestID, taskID, parameters, requester string
		priority                                 int
		dependsOn                                []string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new task request",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"request_id": requestID,
				"task_id":    taskID,
				"priority":   priority,
				"requester":  requester,
				"depends_on": dependsOn,
			}
			if strings.TrimSpace(parameters) != "" {
				var raw json.RawMessage
				if err := json.Unmarshal([]byte(parameters), &raw); err != nil {
					fail(exitValidation)
					return fmt.Errorf("--parameters must be valid JSON: %w", err)
				}
				body["parameters"] = raw
			}
			return doRequest(cmd, *baseURL+"/v1/requests", http.MethodPost, body, client, fail)
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "caller-supplied idempotency key (required)")
	cmd.Flags().StringVar(&taskID, "task-id", "", "catalog task_id to run (required)")
	cmd.Flags().StringVar(&parameters, "parameters", "", "JSON object of task parameters")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1-1000, defaults to 100")
	cmd.Flags().StringVar(&requester, "requester", "", "caller identity")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "request_ids this request must wait on")
	_ = cmd.MarkFlagRequired("request-id")
	_ = cmd.MarkFlagRequired("task-id")
	return cmd
}

func statusCmd(baseURL *string, client *http.Client, fail func(int)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show a request's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := fmt.Sprintf("%s/v1/requests/%s", *baseURL, url.PathEscape(args[0]))
			return doRequest(cmd, u, http.MethodGet, nil, client, fail)
		},
	}
	return cmd
}

func resultCmd(baseURL *string, client *http.Client, fail func(int)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "result <request-id>",
		Short: "Show a finished request's output, context, and trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := fmt.Sprintf("%s/v1/requests/%s/result", *baseURL, url.PathEscape(args[0]))
			return doRequest(cmd, u, http.MethodGet, nil, client, fail)
		},
	}
	return cmd
}

func listTasksCmd(baseURL *string, client *http.Client, fail func(int)) *cobra.Command {
	var filter string
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list-tasks",
		Short: "List catalog task definitions matching an optional filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if filter != "" {
				q.Set("filter", filter)
			}
			q.Set("enabled_only", strconv.FormatBool(enabledOnly))
			u := *baseURL + "/v1/tasks?" + q.Encode()
			return doRequest(cmd, u, http.MethodGet, nil, client, fail)
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "only task_ids containing this substring")
	cmd.Flags().BoolVar(&enabledOnly, "enabled-only", true, "only list enabled tasks")
	return cmd
}

func listPendingCmd(baseURL *string, client *http.Client, fail func(int)) *cobra.Command {
	var requester string
	cmd := &cobra.Command{
		Use:   "list-pending",
		Short: "List pending and blocked requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if requester != "" {
				q.Set("requester", requester)
			}
			u := *baseURL + "/v1/pending?" + q.Encode()
			return doRequest(cmd, u, http.MethodGet, nil, client, fail)
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "filter by requester")
	return cmd
}

func cancelCmd(baseURL *string, client *http.Client, fail func(int)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel an unclaimed request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := fmt.Sprintf("%s/v1/requests/%s", *baseURL, url.PathEscape(args[0]))
			return doRequest(cmd, u, http.MethodDelete, nil, client, fail)
		},
	}
	return cmd
}

// doRequest issues the HTTP call, prints the response body, and maps non-2xx
// responses onto stackrunctl's exit-code convention: 422 is a validation
// error (exit 2), anything else non-2xx is a backend error (exit 1).
func doRequest(cmd *cobra.Command, rawURL, method string, body any, client *http.Client, fail func(int)) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			fail(exitValidation)
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		fail(exitBackendErr)
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		fail(exitBackendErr)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		fail(exitBackendErr)
		return err
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusUnprocessableEntity {
			fail(exitValidation)
		} else {
			fail(exitBackendErr)
		}
		color.Red("%s: %s", resp.Status, strings.TrimSpace(string(respBody)))
		return nil
	}

	if len(respBody) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, respBody, "", "  "); err == nil {
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), string(respBody))
		}
	}
	color.Green("ok")
	return nil
}
