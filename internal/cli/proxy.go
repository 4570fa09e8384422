package cli

import (
	"sort"

	"github.com/spf13/cobra"
)

// NewProxyCmd создаёт группу команд для прокси.
func NewProxyCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Manage proxy nodes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "health-check",
		Short: "Probe every proxy and update its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			report, err := clientFn().CheckProxies()
			if err != nil {
				return err
			}

			out.Successf("Checked %d proxies: %d online, %d offline, %d slow",
				report.Checked, report.Online, report.Offline, report.Latency)

			ids := make([]string, 0, len(report.Nodes))
			for id := range report.Nodes {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			rows := make([][]string, len(ids))
			for i, id := range ids {
				rows[i] = []string{id, report.Nodes[id]}
			}
			return out.Print([]string{"PROXY", "STATUS"}, rows, report)
		},
	})

	return cmd
}
