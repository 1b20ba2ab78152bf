package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для управления tasks.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	cmd.AddCommand(
		newTaskListCmd(clientFn, outputFn),
		newTaskShowCmd(clientFn, outputFn),
		newTaskCancelCmd(clientFn, outputFn),
		newTaskModeCmd(clientFn, outputFn),
		newTaskRollbackCmd(clientFn, outputFn),
		newTaskDeleteCmd(clientFn, outputFn),
		newTaskDisposeCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListTasksOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := clientFn().ListTasks(opts)
			if err != nil {
				return err
			}
			outputFn().Tasks(tasks)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "Filter by state (repeatable, e.g. UP,ENQUEUED)")
	cmd.Flags().StringVar(&opts.Queue, "queue", "", "Filter by queue ($default for the default queue)")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "Filter by correlation ID")

	return cmd
}

func newTaskShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := clientFn().GetTask(args[0])
			if err != nil {
				return err
			}
			outputFn().Task(task)
			return nil
		},
	}
}

func newTaskCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel NAME",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			task, err := clientFn().CancelTask(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Task cancelled: %s (%s)", task.Name, task.State))
			return nil
		},
	}
}

func newTaskModeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var poke bool

	cmd := &cobra.Command{
		Use:   "mode NAME MODE",
		Short: "Set task mode (IDLE, ACTIVE, CANCEL)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			task, err := clientFn().SetMode(args[0], strings.ToUpper(args[1]), poke)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Task %s is %s in state %s", task.Name, task.Mode, task.State))
			return nil
		},
	}

	cmd.Flags().BoolVar(&poke, "poke", true, "Check the task queue right away")

	return cmd
}

func newTaskRollbackCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback MILESTONE",
		Short: "Roll back the subgraph of a milestone task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().TriggerRollback(args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Rollback started from %s", args[0]))
			return nil
		},
	}
}

func newTaskDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a finished task without dependants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteTask(args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Task deleted: %s", args[0]))
			return nil
		},
	}
}

func newTaskDisposeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var clean bool

	cmd := &cobra.Command{
		Use:   "dispose NAME",
		Short: "Mark a task for disposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DisposeTask(args[0], clean); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Task marked for disposal: %s", args[0]))
			return nil
		},
	}

	cmd.Flags().BoolVar(&clean, "clean", false, "Run cleanup right away")

	return cmd
}
