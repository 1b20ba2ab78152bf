package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// NewGraphCmd создаёт группу команд для установки графов.
func NewGraphCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Submit task graphs",
	}

	cmd.AddCommand(newGraphSubmitCmd(clientFn, outputFn))
	return cmd
}

func newGraphSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Install a graph of tasks from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			if !json.Valid(data) {
				return fmt.Errorf("%s does not contain valid JSON", file)
			}

			tasks, err := client.SubmitGraph(data)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Graph installed: %d tasks", len(tasks)))
			out.Tasks(tasks)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to graph JSON file, - for stdin (required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

// readInput читает файл или stdin команды, если path равен "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
