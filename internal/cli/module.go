package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewModuleCmd создаёт группу команд для управления модулями.
func NewModuleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module",
		Short: "Manage task modules",
	}

	cmd.AddCommand(
		newModuleListCmd(clientFn, outputFn),
		newModuleSyncCmd(clientFn, outputFn),
		newModuleEnqueueCmd(clientFn, outputFn),
	)

	return cmd
}

func printModules(out *Output, modules []ModuleResponse) error {
	headers := []string{"MODULE", "QUEUE", "ENABLED", "CATEGORY", "SCHEDULE", "CONCURRENCY", "ATTEMPTS"}
	rows := make([][]string, len(modules))
	for i, m := range modules {
		rows[i] = []string{
			m.ModuleID, m.QueueName, strconv.FormatBool(m.Enabled), m.Category, m.Schedule,
			strconv.Itoa(m.Concurrency), strconv.Itoa(m.Attempts),
		}
	}
	return out.Print(headers, rows, modules)
}

func newModuleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List module configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			modules, err := clientFn().ListModules()
			if err != nil {
				return err
			}
			return printModules(outputFn(), modules)
		},
	}
}

func newModuleSyncCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reload module configurations from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			modules, err := clientFn().SyncModules()
			if err != nil {
				return err
			}

			out.Successf("Synced %d modules", len(modules))
			return printModules(out, modules)
		},
	}
}

func newModuleEnqueueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var payload []string
	var payloadFile string
	var meta []string
	var jobID string
	var delayMs int64

	cmd := &cobra.Command{
		Use:   "enqueue MODULE_ID",
		Short: "Enqueue a job for a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			req := EnqueueRequest{JobID: jobID, DelayMs: delayMs}

			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("failed to read payload file: %w", err)
				}
				if err := json.Unmarshal(data, &req.Payload); err != nil {
					return fmt.Errorf("invalid payload JSON: %w", err)
				}
			}

			kv, err := parsePairs(payload)
			if err != nil {
				return err
			}
			if len(kv) > 0 && req.Payload == nil {
				req.Payload = make(map[string]any, len(kv))
			}
			for k, v := range kv {
				req.Payload[k] = v
			}

			if req.Meta, err = parsePairs(meta); err != nil {
				return err
			}

			res, err := clientFn().Enqueue(args[0], req)
			if err != nil {
				return err
			}

			return printEnqueue(out, res)
		},
	}

	cmd.Flags().StringSliceVar(&payload, "payload", nil, "Payload values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Path to payload JSON file")
	cmd.Flags().StringSliceVar(&meta, "meta", nil, "Meta values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&jobID, "job-id", "", "Explicit job ID (deduplicates enqueues)")
	cmd.Flags().Int64Var(&delayMs, "delay-ms", 0, "Delay before the job becomes runnable")

	return cmd
}

func printEnqueue(out *Output, res *EnqueueResponse) error {
	if res.Created {
		out.Successf("Job enqueued: %s", res.JobID)
	} else {
		out.Successf("Job already exists: %s", res.JobID)
	}

	state := ""
	if res.Run != nil {
		state = res.Run.State
	}
	return out.Print(
		[]string{"JOB_ID", "QUEUE", "STATE", "CREATED"},
		[][]string{{res.JobID, res.QueueName, state, strconv.FormatBool(res.Created)}},
		res,
	)
}

// parsePairs разбирает значения вида KEY=VALUE.
func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid format %q, expected KEY=VALUE", kv)
		}
		out[k] = v
	}
	return out, nil
}
