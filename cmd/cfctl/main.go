// Command cfctl is the operator client for a running sentineld: submit
// and approve runs, start backtests, cancel jobs, follow event streams,
// and query output tables.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sl224/casparianflow/internal/coreerr"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/sentinel"
)

var connectAddr string

func main() {
	root := &cobra.Command{
		Use:           "cfctl",
		Short:         "Casparian Flow control client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&connectAddr, "connect", defaultAddr(), "Sentinel address (unix:// or tcp://)")

	root.AddCommand(
		submitRunCmd(),
		decideCmd(),
		submitBacktestCmd(),
		cancelCmd(),
		jobsCmd(),
		eventsCmd(),
		queryCmd(),
	)

	if err := root.Execute(); err != nil {
		printError(err)
		os.Exit(exitCode(err))
	}
}

func defaultAddr() string {
	if v := os.Getenv("CF_BIND_ADDR"); v != "" {
		return v
	}
	return "unix:///tmp/casparianflow/sentinel.sock"
}

func dial() (*sentinel.Client, error) {
	return sentinel.Dial(connectAddr, "cfctl")
}

// exitCode maps the stable error taxonomy onto the CLI exit contract:
// 1 user error, 2 policy failure, 3 transient I/O, 4 internal.
func exitCode(err error) int {
	cerr, ok := coreerr.As(err)
	if !ok {
		return 4
	}
	switch cerr.Code {
	case coreerr.CodeApprovalNotFound, coreerr.CodePluginValidation:
		return 1
	case coreerr.CodeNotLicensed, coreerr.CodeSchemaViolation, coreerr.CodeApprovalRejected, coreerr.CodeApprovalExpired:
		return 2
	case coreerr.CodeTransportError, coreerr.CodeTransient, coreerr.CodeGuestCrash:
		return 3
	default:
		return 4
	}
}

func printError(err error) {
	fmt.Fprintln(os.Stderr, "cfctl:", err)
	if cerr, ok := coreerr.As(err); ok {
		try := cerr.Remediation()
		if try == "" {
			try = cerr.Detail
		}
		if try != "" {
			fmt.Fprintln(os.Stderr, "TRY:", try)
		}
	}
}

func submitRunCmd() *cobra.Command {
	var outputSink string
	cmd := &cobra.Command{
		Use:   "submit-run <plugin[@version]> <input-dir>",
		Short: "Request an ingestion run (returns an approval id)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.SubmitJob(sentinel.SubmitJobRequest{
				Type: domain.JobTypeRun, PluginRef: args[0], InputDir: args[1], OutputSink: outputSink,
			})
			if err != nil {
				return err
			}
			fmt.Println(resp.ApprovalID)
			return nil
		},
	}
	cmd.Flags().StringVar(&outputSink, "output", "", "Output sink URI (file-columnar:// or embedded-db://)")
	return cmd
}

func decideCmd() *cobra.Command {
	var reject bool
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "decide <approval-id>",
		Short: "Approve or reject a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.DecideApproval(sentinel.DecideApprovalRequest{
				ApprovalID: args[0], Approve: !reject, Actor: actor, Reason: reason,
			})
			if err != nil {
				return err
			}
			if resp.Status == domain.ApprovalRejected {
				fmt.Printf("rejected: %s\n", resp.RejectionReason)
				return nil
			}
			fmt.Printf("approved, job %d\n", resp.JobID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject instead of approve")
	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason")
	cmd.Flags().StringVar(&actor, "actor", "cfctl", "Deciding actor recorded on the approval")
	return cmd
}

func submitBacktestCmd() *cobra.Command {
	var configJSON string
	cmd := &cobra.Command{
		Use:   "submit-backtest <plugin[@version]> <input-dir>",
		Short: "Start a backtest job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.SubmitJob(sentinel.SubmitJobRequest{
				Type: domain.JobTypeBacktest, PluginRef: args[0], InputDir: args[1],
				Config: json.RawMessage(configJSON),
			})
			if err != nil {
				return err
			}
			fmt.Println(resp.JobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&configJSON, "config", "{}", "Backtest config as JSON")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobID int64
			if _, err := fmt.Sscanf(args[0], "%d", &jobID); err != nil {
				return coreerr.New(coreerr.CodePluginValidation, "job id must be an integer")
			}
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Cancel(jobID); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func jobsCmd() *cobra.Command {
	var filter string
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.Status(sentinel.StatusRequest{Filter: filter, Limit: limit})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tTYPE\tSTATUS\tPLUGIN\tINPUT\tERROR")
			for _, j := range resp.Jobs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					j.JobID, j.Type, j.Status, j.PluginName, j.InputDir, j.ErrorMessage)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter, "status", "", "Filter by job status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func eventsCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "List a job's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobID int64
			if _, err := fmt.Sscanf(args[0], "%d", &jobID); err != nil {
				return coreerr.New(coreerr.CodePluginValidation, "job id must be an integer")
			}
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.ListEvents(sentinel.ListEventsRequest{JobID: jobID, AfterEventID: after})
			if err != nil {
				return err
			}
			for _, e := range resp.Events {
				fmt.Printf("%d\t%s\t%s\t%s\n", e.EventID, e.Timestamp.Format("15:04:05.000"), e.EventType, string(e.Payload))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "Only events with event_id greater than this")
	return cmd
}

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <select-sql>",
		Short: "Run a read-only SELECT against output tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.QueryOutputs(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for i, col := range resp.Columns {
				if i > 0 {
					fmt.Fprint(w, "\t")
				}
				fmt.Fprint(w, col)
			}
			fmt.Fprintln(w)
			for _, row := range resp.Rows {
				for i, v := range row {
					if i > 0 {
						fmt.Fprint(w, "\t")
					}
					fmt.Fprintf(w, "%v", v)
				}
				fmt.Fprintln(w)
			}
			return w.Flush()
		},
	}
}
