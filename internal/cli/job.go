package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewJobCmd создаёт группу команд для управления заданиями.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}

	cmd.AddCommand(
		newJobRunCmd(clientFn, outputFn),
		newJobPreviewCmd(clientFn, outputFn),
		newJobListCmd(clientFn, outputFn),
		newJobShowCmd(clientFn, outputFn),
		newJobResultCmd(clientFn, outputFn),
		newJobCancelCmd(clientFn, outputFn),
		newJobLogsCmd(clientFn, outputFn),
	)

	return cmd
}

var submitHeaders = []string{"ID", "OUTCOME", "BUCKET"}

func submitRow(res *SubmitResponse) []string {
	return []string{res.ID, res.Outcome, res.BucketID}
}

func newJobRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		isFlow    bool
		argsFile  string
		pairs     []string
		tag       string
		priority  int
		scheduled string
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run PATH",
		Short: "Run a script (or a flow with --flow)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			jobArgs, err := parseArgs(argsFile, pairs)
			if err != nil {
				return err
			}
			req := RunRequest{Args: jobArgs, Tag: tag, ScheduledFor: scheduled}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}

			var res *SubmitResponse
			if isFlow {
				res, err = client.RunFlow(args[0], req)
			} else {
				res, err = client.RunScript(args[0], req)
			}
			if err != nil {
				return err
			}

			if wait <= 0 || res.Outcome != "direct" {
				out.Success(fmt.Sprintf("Job submitted: %s", res.ID))
				out.Print(submitHeaders, [][]string{submitRow(res)}, res)
				return nil
			}
			return printResult(client, out, res.ID, wait)
		},
	}

	cmd.Flags().BoolVar(&isFlow, "flow", false, "Run a flow instead of a script")
	cmd.Flags().StringVarP(&argsFile, "args-file", "f", "", "JSON or YAML file with args ('-' for stdin)")
	cmd.Flags().StringSliceVarP(&pairs, "arg", "a", nil, "Arg as KEY=VALUE, VALUE parsed as JSON when possible (repeatable)")
	cmd.Flags().StringVar(&tag, "tag", "", "Worker tag override")
	cmd.Flags().IntVar(&priority, "priority", 0, "Job priority (higher runs first)")
	cmd.Flags().StringVar(&scheduled, "at", "", "Do not start before this RFC3339 time")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Wait for the result up to this duration")

	return cmd
}

func newJobPreviewCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		language string
		argsFile string
		pairs    []string
		tag      string
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "preview FILE",
		Short: "Run code from a file without saving it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			jobArgs, err := parseArgs(argsFile, pairs)
			if err != nil {
				return err
			}

			res, err := client.RunPreview(PreviewRequest{
				RunRequest: RunRequest{Args: jobArgs, Tag: tag},
				Language:   language,
				Content:    string(content),
			})
			if err != nil {
				return err
			}

			if wait <= 0 {
				out.Success(fmt.Sprintf("Preview submitted: %s", res.ID))
				out.Print(submitHeaders, [][]string{submitRow(res)}, res)
				return nil
			}
			return printResult(client, out, res.ID, wait)
		},
	}

	cmd.Flags().StringVarP(&language, "language", "l", "bash", "Script language")
	cmd.Flags().StringVarP(&argsFile, "args-file", "f", "", "JSON or YAML file with args")
	cmd.Flags().StringSliceVarP(&pairs, "arg", "a", nil, "Arg as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&tag, "tag", "", "Worker tag override")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Wait for the result up to this duration")

	return cmd
}

func newJobListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		completed bool
		opts      ListJobsOpts
		running   string
		success   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued jobs (or completed with --completed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var err error
			if opts.Running, err = optionalBool("running", running); err != nil {
				return err
			}
			if opts.Success, err = optionalBool("success", success); err != nil {
				return err
			}

			var jobs []JobInfo
			if completed {
				jobs, err = client.ListCompleted(opts)
			} else {
				jobs, err = client.ListQueue(opts)
			}
			if err != nil {
				return err
			}

			headers := []string{"ID", "KIND", "PATH", "TAG", "STATE", "CREATED_BY", "CREATED"}
			rows := make([][]string, len(jobs))
			for i, j := range jobs {
				rows[i] = []string{j.ID, j.Kind, j.RunnablePath, j.Tag, jobState(&j, completed), j.CreatedBy, shortTime(j.CreatedAt)}
			}

			out.Print(headers, rows, jobs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&completed, "completed", false, "List completed jobs")
	cmd.Flags().StringVar(&opts.Path, "path", "", "Filter by runnable path")
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "Filter by tags (comma list, '!' prefix negates)")
	cmd.Flags().StringVar(&opts.Kinds, "kind", "", "Filter by job kinds (comma list)")
	cmd.Flags().StringVar(&opts.TriggerKind, "trigger-kind", "", "Filter by trigger kinds (comma list)")
	cmd.Flags().StringVar(&running, "running", "", "Filter queued jobs by running state (true/false)")
	cmd.Flags().StringVar(&success, "success", "", "Filter completed jobs by success (true/false)")
	cmd.Flags().IntVar(&opts.PerPage, "limit", 0, "Maximum number of results")

	return cmd
}

func newJobShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.GetJob(args[0])
			if err != nil {
				return err
			}

			info := job.Info()
			out.Print(
				[]string{"ID", "STATUS", "KIND", "PATH", "WORKER", "CREATED", "COMPLETED"},
				[][]string{{job.ID, job.Status, info.Kind, info.RunnablePath, info.Worker, shortTime(info.CreatedAt), shortTime(info.CompletedAt)}},
				job,
			)
			return nil
		},
	}
}

func newJobResultCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "result ID",
		Short: "Print the job result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(clientFn(), outputFn(), args[0], wait)
		},
	}

	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Wait for completion up to this duration")

	return cmd
}

func newJobCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel ID [ID...]",
		Short: "Cancel jobs and their descendants",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if len(args) == 1 {
				ids, err := client.CancelJob(args[0], reason)
				if err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Job canceled: %s (%d affected)", args[0], len(ids)))
				return nil
			}

			results, err := client.CancelJobs(args, reason)
			if err != nil {
				return err
			}
			rows := make([][]string, len(results))
			failed := 0
			for i, r := range results {
				if r.Error != "" {
					failed++
				}
				rows[i] = []string{r.JobID, strconv.Itoa(len(r.Canceled)), r.Error}
			}
			out.Print([]string{"ID", "AFFECTED", "ERROR"}, rows, results)
			if failed > 0 {
				return fmt.Errorf("%d of %d jobs not canceled", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")

	return cmd
}

func newJobLogsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		after    int64
		follow   bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "logs ID",
		Short: "Print job logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			for {
				lines, err := client.Logs(args[0], after)
				if err != nil {
					return err
				}
				out.Lines(lines)
				if n := len(lines); n > 0 {
					after = lines[n-1].Seq
				}
				if !follow {
					return nil
				}

				job, err := client.GetJob(args[0])
				if err != nil {
					return err
				}
				if job.Completed != nil {
					// Последняя порция могла прийти вместе с завершением.
					lines, err := client.Logs(args[0], after)
					if err != nil {
						return err
					}
					out.Lines(lines)
					return nil
				}

				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "Only lines with seq greater than this")
	cmd.Flags().BoolVar(&follow, "follow", false, "Keep polling until the job completes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval for --follow")

	return cmd
}

// printResult печатает результат; незавершённое задание — ошибка.
func printResult(client *Client, out *Output, id string, wait time.Duration) error {
	res, err := client.GetResult(id, wait)
	if err != nil {
		return err
	}
	if !res.Completed {
		return fmt.Errorf("job %s is not completed yet (status %s)", id, res.Status)
	}
	out.Raw(res.Result, res)
	if !res.Success {
		return fmt.Errorf("job %s finished with status %s", id, res.Status)
	}
	return nil
}

func jobState(j *JobInfo, completed bool) string {
	switch {
	case completed && j.Canceled:
		return "canceled"
	case completed && j.Success:
		return "success"
	case completed:
		return "failure"
	case j.Canceled:
		return "canceling"
	case j.Running:
		return "running"
	default:
		return "queued"
	}
}

func optionalBool(flag, v string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("invalid value for --%s: %s", flag, v)
	}
	return &b, nil
}
