package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// NewCleanCmd создаёт команду очистки disposable tasks.
func NewCleanCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Delete finished disposable tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := clientFn().Clean()
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Tasks deleted: %d", result.Deleted))
			return nil
		},
	}
}

// NewClearCmd создаёт команду полного сброса состояния.
func NewClearCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all tasks, queue counters and job references",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("clear removes all state, pass --yes to confirm")
			}
			if err := clientFn().ClearAll(); err != nil {
				return err
			}
			outputFn().Success("State cleared")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm removal of all state")

	return cmd
}
