package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewScheduleCmd создаёт группу команд для управления schedules.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage schedules",
	}

	cmd.AddCommand(
		newScheduleListCmd(clientFn, outputFn),
		newScheduleCreateCmd(clientFn, outputFn),
		newScheduleShowCmd(clientFn, outputFn),
		newScheduleDeleteCmd(clientFn, outputFn),
		newScheduleToggleCmd(clientFn, outputFn, true),
		newScheduleToggleCmd(clientFn, outputFn, false),
	)

	return cmd
}

var scheduleHeaders = []string{"ID", "PATH", "TARGET", "CRON", "INTERVAL", "TIMEZONE", "ENABLED", "NEXT_DUE"}

func scheduleRow(s *ScheduleResponse) []string {
	target := s.TargetPath
	if s.IsFlow {
		target = "flow:" + target
	}
	return []string{
		s.ID, s.Path, target, s.CronExpr, formatInterval(s.IntervalSec),
		s.Timezone, strconv.FormatBool(s.Enabled), shortTime(s.NextDueAt),
	}
}

func newScheduleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			schedules, err := client.ListSchedules()
			if err != nil {
				return err
			}

			rows := make([][]string, len(schedules))
			for i := range schedules {
				rows[i] = scheduleRow(&schedules[i])
			}

			out.Print(scheduleHeaders, rows, schedules)
			return nil
		},
	}
}

func newScheduleCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		isFlow      bool
		cronExpr    string
		intervalSec int
		timezone    string
		argsFile    string
		pairs       []string
	)

	cmd := &cobra.Command{
		Use:   "create PATH TARGET",
		Short: "Create a schedule that runs a script (or a flow with --flow)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if cronExpr == "" && intervalSec <= 0 {
				return fmt.Errorf("either --cron or --interval is required")
			}
			jobArgs, err := parseArgs(argsFile, pairs)
			if err != nil {
				return err
			}

			schedule, err := client.CreateSchedule(CreateScheduleRequest{
				Path:        args[0],
				TargetPath:  args[1],
				IsFlow:      isFlow,
				CronExpr:    cronExpr,
				IntervalSec: intervalSec,
				Timezone:    timezone,
				Args:        jobArgs,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schedule created: %s", schedule.ID))
			out.Print(scheduleHeaders, [][]string{scheduleRow(schedule)}, schedule)
			return nil
		},
	}

	cmd.Flags().BoolVar(&isFlow, "flow", false, "Target is a flow")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (e.g. '0 * * * *')")
	cmd.Flags().IntVar(&intervalSec, "interval", 0, "Interval in seconds")
	cmd.Flags().StringVar(&timezone, "timezone", "", "Timezone for cron (e.g. 'Europe/Moscow')")
	cmd.Flags().StringVarP(&argsFile, "args-file", "f", "", "JSON or YAML file with args")
	cmd.Flags().StringSliceVarP(&pairs, "arg", "a", nil, "Arg as KEY=VALUE (repeatable)")

	return cmd
}

func newScheduleShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show schedule details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			schedule, err := client.GetSchedule(args[0])
			if err != nil {
				return err
			}

			out.Print(
				append(scheduleHeaders, "LAST_RUN", "LAST_JOB"),
				[][]string{append(scheduleRow(schedule), shortTime(schedule.LastRunAt), schedule.LastJobID)},
				schedule,
			)
			return nil
		},
	}
}

func newScheduleDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteSchedule(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schedule deleted: %s", args[0]))
			return nil
		},
	}
}

func newScheduleToggleCmd(clientFn func() *Client, outputFn func() *Output, enabled bool) *cobra.Command {
	verb, short := "disable", "Disable a schedule"
	if enabled {
		verb, short = "enable", "Enable a schedule"
	}

	return &cobra.Command{
		Use:   verb + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if _, err := client.SetScheduleEnabled(args[0], enabled); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schedule %sd: %s", verb, args[0]))
			return nil
		},
	}
}

func formatInterval(sec int) string {
	if sec <= 0 {
		return ""
	}
	return strconv.Itoa(sec) + "s"
}
