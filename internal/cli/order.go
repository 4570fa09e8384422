package cli

import (
	"github.com/spf13/cobra"
)

// NewOrderCmd создаёт группу команд для позиций заказа.
func NewOrderCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Enqueue order item actions",
	}

	for _, a := range []struct{ action, short string }{
		{"submit", "Submit an order item to the supplier"},
		{"cancel", "Cancel an order item"},
		{"payment-link", "Fetch payment links for an order item"},
	} {
		cmd.AddCommand(newOrderActionCmd(clientFn, outputFn, a.action, a.short))
	}

	return cmd
}

func newOrderActionCmd(clientFn func() *Client, outputFn func() *Output, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ITEM_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := clientFn().OrderAction(args[0], action)
			if err != nil {
				return err
			}
			return printEnqueue(outputFn(), res)
		},
	}
}
