package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

const (
	defaultMasterAddr = "localhost:9090"
	defaultRESTAddr   = "http://localhost:8080"
	requestTimeout    = 10 * time.Second
)

func newMasterClient(addr string) (*rpc.MasterClient, func()) {
	pool := rpc.NewConnPool(30*time.Second, 5*time.Second)
	return rpc.NewMasterClient(pool, addr), func() { _ = pool.Close() }
}

func buildSubmitCommand() *cobra.Command {
	var (
		masterAddr string
		console    string
		priority   int
	)

	cmd := &cobra.Command{
		Use:   "submit <job.yaml|->",
		Short: "Submit a job description to the master",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadJobFile(args[0])
			if err != nil {
				return err
			}
			if console != "" {
				req.Console = console
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}

			client, closeFn := newMasterClient(masterAddr)
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := client.SubmitJob(ctx, req); err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), req.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&masterAddr, "master", defaultMasterAddr, "master gRPC address")
	cmd.Flags().StringVar(&console, "console", "", "console address for job diagnostics; \":port\" uses this host")
	cmd.Flags().IntVar(&priority, "priority", 0, "explicit job priority, lower runs first")
	return cmd
}

func buildAbortCommand() *cobra.Command {
	var masterAddr string

	cmd := &cobra.Command{
		Use:   "abort <job-id>",
		Short: "Abort a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn := newMasterClient(masterAddr)
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := client.AbortJob(ctx, args[0]); err != nil {
				return fmt.Errorf("abort failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "abort requested for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&masterAddr, "master", defaultMasterAddr, "master gRPC address")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var (
		restAddr string
		tasks    bool
	)

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show jobs known to the master",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/jobs"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
				if tasks {
					path += "/tasks"
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			return fetchStatus(ctx, cmd.OutOrStdout(), restAddr+path)
		},
	}

	cmd.Flags().StringVar(&restAddr, "rest", defaultRESTAddr, "master REST base URL")
	cmd.Flags().BoolVar(&tasks, "tasks", false, "list the task actions of the job")
	return cmd
}

func fetchStatus(ctx context.Context, w io.Writer, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(w)
	return err
}
