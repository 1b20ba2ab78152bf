// rex CLI — инструмент командной строки для управления графами,
// tasks и очередями через HTTP API.
//
// Использование:
//
//	rex [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	graph  Установка графов
//	task   Управление tasks
//	queue  Управление очередями
//	clean  Очистка завершённых disposable tasks
//	clear  Полный сброс состояния
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/rex/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("REX_API_URL"); v != "" {
		defaultURL = v
	}

	rootCmd := &cobra.Command{
		Use:           "rex",
		Short:         "rex CLI — remote task graph orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewGraphCmd(clientFn, outputFn),
		cli.NewTaskCmd(clientFn, outputFn),
		cli.NewQueueCmd(clientFn, outputFn),
		cli.NewCleanCmd(clientFn, outputFn),
		cli.NewClearCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		outputFn().Error(err.Error())
		os.Exit(1)
	}
}
