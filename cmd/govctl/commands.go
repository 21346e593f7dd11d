package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"capacity-engine/pkg/audit"
	"capacity-engine/pkg/task"
)

var assignRole string

var assignCmd = &cobra.Command{
	Use:   "assign <task-id> <user>",
	Short: "Associate a user with a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := engine.Assignments.Assign(cmd.Context(), args[0], args[1], assignRole)
		if err != nil {
			return err
		}
		return printJSON(a)
	},
}

var unassignCmd = &cobra.Command{
	Use:   "unassign <task-id> <user>",
	Short: "Remove a user from a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := engine.Assignments.Unassign(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Println(`{"status":"ok"}`)
		return nil
	},
}

var summaryCapacity string

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Counts by status and capacity, overdue and mine",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := engine.Summary.Summarize(cmd.Context(),
			task.Filter{Capacity: task.Capacity(summaryCapacity)}, actorFlag, time.Now())
		if err != nil {
			return err
		}
		return printJSON(s)
	},
}

var (
	eventsType  string
	eventsTask  string
	eventsLimit int
	eventsShort bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Audit log operations (list, verify)",
}

func init() {
	assignCmd.Flags().StringVar(&assignRole, "role", "", "free-form role, e.g. owner or reviewer")
	summaryCmd.Flags().StringVar(&summaryCapacity, "capacity", "", "restrict to one capacity")

	list := &cobra.Command{
		Use:   "list",
		Short: "List audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				events []audit.Event
				err    error
			)
			switch {
			case eventsTask != "":
				events, err = engine.Events.ByTask(cmd.Context(), eventsTask, eventsLimit)
			case eventsType != "":
				events, err = engine.Events.ByType(cmd.Context(), eventsType, eventsLimit)
			default:
				events, err = engine.Events.Recent(cmd.Context(), eventsLimit)
			}
			if err != nil {
				return err
			}
			if eventsShort {
				printShortEvents(events)
				return nil
			}
			return printJSON(events)
		},
	}
	list.Flags().StringVar(&eventsType, "type", "", "filter by event type")
	list.Flags().StringVar(&eventsTask, "task", "", "filter by task id")
	list.Flags().IntVar(&eventsLimit, "limit", 20, "max events")
	list.Flags().BoolVar(&eventsShort, "short", false, "one line per event")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := engine.Events.Count(cmd.Context())
			if err != nil {
				return err
			}
			if err := engine.Events.VerifyChain(cmd.Context()); err != nil {
				return fmt.Errorf("chain broken after checking %d events: %w", n, err)
			}
			return printJSON(map[string]any{"ok": true, "count": n})
		},
	}

	eventsCmd.AddCommand(list, verify)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}
	return nil
}

func truncStr(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func printShortEvents(events []audit.Event) {
	for _, e := range events {
		content := ""
		if b, err := json.Marshal(e.Content); err == nil {
			content = string(b)
		}
		fmt.Printf("%-8s  %-20s  %-10s  %s\n", e.Timestamp.Format("15:04:05"), truncStr(e.Type, 20),
			truncStr(e.Actor, 10), truncStr(content, 80))
	}
}

func printShortTasks(tasks []task.Task) {
	for _, t := range tasks {
		holder := ""
		if t.Lock != nil {
			holder = t.Lock.HolderID
		}
		fmt.Printf("%-8s  %-18s  %-9s  %-10s  %s\n", truncStr(t.ID, 8), t.Capacity, t.Status,
			truncStr(holder, 10), truncStr(t.Title, 50))
	}
}
