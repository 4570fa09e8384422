package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewQueueCmd создаёт группу команд для управления очередями.
func NewQueueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control queues",
	}

	cmd.AddCommand(
		newQueueListCmd(clientFn, outputFn),
		newQueuePauseCmd(clientFn, outputFn),
		newQueueResumeCmd(clientFn, outputFn),
		newQueueJobsCmd(clientFn, outputFn),
		newQueueRunCmd(clientFn, outputFn),
	)

	return cmd
}

func newQueueListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queues with job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := clientFn().ListQueues()
			if err != nil {
				return err
			}

			headers := []string{"QUEUE", "PAUSED", "WAITING", "ACTIVE", "DELAYED", "COMPLETED", "FAILED", "WORKERS"}
			rows := make([][]string, len(queues))
			for i, q := range queues {
				c := q.Counts
				rows[i] = []string{
					q.Name, strconv.FormatBool(c.Paused),
					strconv.FormatInt(c.Waiting, 10), strconv.FormatInt(c.Active, 10), strconv.FormatInt(c.Delayed, 10),
					strconv.FormatInt(c.Completed, 10), strconv.FormatInt(c.Failed, 10),
					strconv.Itoa(q.Workers),
				}
			}

			return outputFn().Print(headers, rows, queues)
		},
	}
}

func newQueuePauseCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "pause QUEUE",
		Short: "Pause a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := clientFn().PauseQueue(args[0])
			if err != nil {
				return err
			}
			outputFn().Successf("Queue paused: %s", state.Queue)
			return nil
		},
	}
}

func newQueueResumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "resume QUEUE",
		Short: "Resume a paused queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := clientFn().ResumeQueue(args[0])
			if err != nil {
				return err
			}
			outputFn().Successf("Queue resumed: %s", state.Queue)
			return nil
		},
	}
}

func newQueueJobsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs QUEUE",
		Short: "List jobs in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := clientFn().ListJobs(args[0], ListJobsOpts{Status: status, Limit: limit})
			if err != nil {
				return err
			}

			headers := []string{"ID", "MODULE", "ATTEMPTS", "CREATED", "FAILED_REASON"}
			rows := make([][]string, len(jobs))
			for i, j := range jobs {
				rows[i] = []string{
					j.ID, j.Module, fmt.Sprintf("%d/%d", j.AttemptsMade, j.Attempts), j.CreatedAt, j.FailedReason,
				}
			}

			return outputFn().Print(headers, rows, jobs)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Job status (waiting, active, delayed, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newQueueRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "run QUEUE JOB_ID",
		Short: "Show the run record of a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := clientFn().GetRun(args[0], args[1])
			if err != nil {
				return err
			}

			return outputFn().Print(
				[]string{"ID", "MODULE", "JOB_ID", "STATE", "PROGRESS", "ATTEMPTS", "ERROR"},
				[][]string{{
					run.ID, run.ModuleID, run.JobID, run.State,
					strconv.Itoa(run.Progress), strconv.Itoa(run.AttemptsMade), run.Error,
				}},
				run,
			)
		},
	}
}
