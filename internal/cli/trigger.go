package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewTriggerCmd создаёт команду отправки внешнего события.
func NewTriggerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		isFlow   bool
		source   string
		argsFile string
		pairs    []string
	)

	cmd := &cobra.Command{
		Use:   "trigger PATH",
		Short: "Send an event that runs a script or flow (debounced if configured)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			jobArgs, err := parseArgs(argsFile, pairs)
			if err != nil {
				return err
			}

			res, err := client.Trigger(TriggerRequest{
				Path:   args[0],
				IsFlow: isFlow,
				Source: source,
				Args:   jobArgs,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Trigger accepted: %s (%s)", res.ID, res.Outcome))
			out.Print(submitHeaders, [][]string{submitRow(res)}, res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&isFlow, "flow", false, "Target is a flow")
	cmd.Flags().StringVar(&source, "source", "cli", "Event source recorded on the job")
	cmd.Flags().StringVarP(&argsFile, "args-file", "f", "", "JSON or YAML file with args")
	cmd.Flags().StringSliceVarP(&pairs, "arg", "a", nil, "Arg as KEY=VALUE (repeatable)")

	return cmd
}
