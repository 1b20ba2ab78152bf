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
		Short: "Manage queue concurrency",
	}

	cmd.AddCommand(
		newQueueGetCmd(clientFn, outputFn),
		newQueueSetCmd(clientFn, outputFn),
		newQueueRunningCmd(clientFn, outputFn),
		newQueueSyncCmd(clientFn, outputFn),
	)

	return cmd
}

// queueArg возвращает имя очереди из аргументов (по умолчанию $default).
func queueArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func newQueueGetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get [QUEUE]",
		Short: "Show queue counters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := clientFn().GetQueue(queueArg(args))
			if err != nil {
				return err
			}
			outputFn().Queue(q)
			return nil
		},
	}
}

func newQueueSetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "set [QUEUE] MAXIMUM",
		Short: "Set queue concurrency",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			maximum, err := strconv.Atoi(args[len(args)-1])
			if err != nil || maximum < 0 {
				return fmt.Errorf("invalid maximum %q, expected a non-negative number", args[len(args)-1])
			}

			q, err := clientFn().SetConcurrency(queueArg(args[:len(args)-1]), maximum)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Queue %s concurrency set to %d", q.Queue, q.Maximum))
			out.Queue(q)
			return nil
		},
	}
}

func newQueueRunningCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "running [QUEUE]",
		Short: "Show the number of running tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			q, err := clientFn().GetRunning(queueArg(args))
			if err != nil {
				return err
			}

			out.Running(q)
			return nil
		},
	}
}

func newQueueSyncCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Recount running tasks of all queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().SyncCounters(); err != nil {
				return err
			}
			outputFn().Success("Queue counters synchronized")
			return nil
		},
	}
}
