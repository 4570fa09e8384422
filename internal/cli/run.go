package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для журнала задач.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Search the task run ledger",
	}

	cmd.AddCommand(newRunListCmd(clientFn, outputFn))
	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListRunsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := clientFn().ListRuns(opts)
			if err != nil {
				return err
			}

			headers := []string{"QUEUE", "JOB_ID", "MODULE", "STATE", "ATTEMPTS", "ORDER_ITEM", "CREATED", "ERROR"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{
					r.QueueName, r.JobID, r.ModuleID, r.State, strconv.Itoa(r.AttemptsMade),
					r.OrderItemID, r.CreatedAt, r.Error,
				}
			}
			return outputFn().Print(headers, rows, runs)
		},
	}

	cmd.Flags().StringVar(&opts.Module, "module", "", "Module ID")
	cmd.Flags().StringVar(&opts.Queue, "queue", "", "Queue name")
	cmd.Flags().StringVar(&opts.State, "state", "", "Run state (waiting, active, completed, failed)")
	cmd.Flags().StringVar(&opts.OrderItemID, "order-item", "", "Order item ID")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	return cmd
}
