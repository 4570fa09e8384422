// Fleet CLI — инструмент командной строки для операторского API.
//
// Использование:
//
//	fleet [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	module  Конфигурации модулей и постановка задач
//	queue   Очереди, задачи и журнал
//	order   Действия с позициями заказа
//	proxy   Проверка прокси
//	run     Поиск по журналу задач
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/bookingfleet/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	defaultURL := os.Getenv("FLEET_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	rootCmd := &cobra.Command{
		Use:           "fleet",
		Short:         "Fleet CLI — booking task platform",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL (env FLEET_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewModuleCmd(clientFn, outputFn),
		cli.NewQueueCmd(clientFn, outputFn),
		cli.NewOrderCmd(clientFn, outputFn),
		cli.NewProxyCmd(clientFn, outputFn),
		cli.NewRunCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		outputFn().Error(err)
		os.Exit(1)
	}
}
