package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"capacity-engine/pkg/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Task operations (create, list, get, claim, start, pause, resume, complete, cancel, renew, review)",
}

var (
	createTitle    string
	createDesc     string
	createPriority int
	createDue      string
	createPayload  string
	createTension  float64

	listCapacity string
	listStatus   string
	listOwner    string
	listLimit    int
	listShort    bool

	reasonFlag  string
	outputsFlag string
)

func init() {
	create := &cobra.Command{
		Use:   "create <capacity>",
		Short: "Create an open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := &task.Task{
				Capacity:    task.Capacity(args[0]),
				Title:       createTitle,
				Description: createDesc,
				Priority:    createPriority,
			}
			if createDue != "" {
				due, err := time.Parse(time.RFC3339, createDue)
				if err != nil {
					return fmt.Errorf("parse --due: %w", err)
				}
				t.DueAt = &due
			}
			if createPayload != "" {
				if err := json.Unmarshal([]byte(createPayload), &t.Payload); err != nil {
					return fmt.Errorf("parse payload JSON: %w", err)
				}
			}
			if cmd.Flags().Changed("tension") {
				t.TRI = &task.TRI{Tension: createTension}
			}
			created, err := engine.Lifecycle.Create(cmd.Context(), t)
			if err != nil {
				return err
			}
			return printJSON(created)
		},
	}
	create.Flags().StringVar(&createTitle, "title", "", "task title")
	create.Flags().StringVar(&createDesc, "description", "", "task description")
	create.Flags().IntVar(&createPriority, "priority", 0, "higher sorts first")
	create.Flags().StringVar(&createDue, "due", "", "deadline (RFC 3339)")
	create.Flags().StringVar(&createPayload, "payload", "", "payload JSON object")
	create.Flags().Float64Var(&createTension, "tension", 0, "loop tension in [0,1]")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := task.Filter{Capacity: task.Capacity(listCapacity), Owner: listOwner, Limit: listLimit}
			if listStatus != "" {
				for _, s := range strings.Split(listStatus, ",") {
					f.Statuses = append(f.Statuses, task.Status(s))
				}
			}
			tasks, err := engine.Lifecycle.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if listShort {
				printShortTasks(tasks)
				return nil
			}
			return printJSON(tasks)
		},
	}
	list.Flags().StringVar(&listCapacity, "capacity", "", "filter by capacity")
	list.Flags().StringVar(&listStatus, "status", "", "comma-separated statuses")
	list.Flags().StringVar(&listOwner, "owner", "", "filter by owner")
	list.Flags().IntVar(&listLimit, "limit", 20, "max tasks")
	list.Flags().BoolVar(&listShort, "short", false, "one line per task")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := engine.Lifecycle.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}

	claim := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a task for --actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor()
			if err != nil {
				return err
			}
			res, err := engine.Lifecycle.Claim(cmd.Context(), args[0], user)
			if err != nil {
				return err
			}
			if res.Decision.Throttled() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", res.Decision.Reason)
			}
			return printJSON(res)
		},
	}

	renew := &cobra.Command{
		Use:   "renew <id>",
		Short: "Extend the lock time-box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor()
			if err != nil {
				return err
			}
			res, err := engine.Lifecycle.Renew(cmd.Context(), args[0], user)
			if err != nil {
				return err
			}
			if res.Decision.Throttled() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", res.Decision.Reason)
			}
			return printJSON(res)
		},
	}

	start := transitionCmd("start <id>", "Begin work on a claimed task",
		func(cmd *cobra.Command, id, user string) (*task.Task, error) {
			return engine.Lifecycle.Start(cmd.Context(), id, user)
		})
	pause := transitionCmd("pause <id>", "Block a task, keeping the lock",
		func(cmd *cobra.Command, id, user string) (*task.Task, error) {
			return engine.Lifecycle.Pause(cmd.Context(), id, user, reasonFlag)
		})
	pause.Flags().StringVar(&reasonFlag, "reason", "", "why work is blocked")
	resume := transitionCmd("resume <id>", "Resume a blocked task",
		func(cmd *cobra.Command, id, user string) (*task.Task, error) {
			return engine.Lifecycle.Resume(cmd.Context(), id, user)
		})
	complete := transitionCmd("complete <id>", "Finish a task and release its lock",
		func(cmd *cobra.Command, id, user string) (*task.Task, error) {
			var outputs map[string]any
			if outputsFlag != "" {
				if err := json.Unmarshal([]byte(outputsFlag), &outputs); err != nil {
					return nil, fmt.Errorf("parse outputs JSON: %w", err)
				}
			}
			return engine.Lifecycle.Complete(cmd.Context(), id, user, outputs)
		})
	complete.Flags().StringVar(&outputsFlag, "outputs", "", "outputs JSON object")
	cancel := transitionCmd("cancel <id>", "Administratively cancel a task",
		func(cmd *cobra.Command, id, user string) (*task.Task, error) {
			return engine.Lifecycle.Cancel(cmd.Context(), id, user, reasonFlag)
		})
	cancel.Flags().StringVar(&reasonFlag, "reason", "", "why the task is cancelled")
	review := transitionCmd("review <id>", "Reset the renewal count after review",
		func(cmd *cobra.Command, id, user string) (*task.Task, error) {
			return engine.Lifecycle.Review(cmd.Context(), id, user)
		})

	taskCmd.AddCommand(create, list, get, claim, start, pause, resume, complete, cancel, renew, review)
}

func transitionCmd(use, short string, run func(cmd *cobra.Command, id, user string) (*task.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor()
			if err != nil {
				return err
			}
			t, err := run(cmd, args[0], user)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}
