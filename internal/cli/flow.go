package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewFlowCmd создаёт группу команд для управления flows.
func NewFlowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Manage flows",
	}

	cmd.AddCommand(
		newFlowListCmd(clientFn, outputFn),
		newFlowPushCmd(clientFn, outputFn),
		newFlowShowCmd(clientFn, outputFn),
		newFlowDeleteCmd(clientFn, outputFn),
		newFlowResumeCmd(clientFn, outputFn),
	)

	return cmd
}

var flowHeaders = []string{"PATH", "SUMMARY", "MODULES", "UPDATED_BY", "UPDATED"}

func flowRow(f *FlowResponse) []string {
	var value struct {
		Modules []json.RawMessage `json:"modules"`
	}
	_ = json.Unmarshal(f.Value, &value)
	return []string{f.Path, f.Summary, strconv.Itoa(len(value.Modules)), f.CreatedBy, shortTime(f.UpdatedAt)}
}

func newFlowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flows, err := client.ListFlows()
			if err != nil {
				return err
			}

			rows := make([][]string, len(flows))
			for i := range flows {
				rows[i] = flowRow(&flows[i])
			}

			out.Print(flowHeaders, rows, flows)
			return nil
		},
	}
}

func newFlowPushCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		file    string
		summary string
		tag     string
	)

	cmd := &cobra.Command{
		Use:   "push PATH",
		Short: "Create or replace a flow from a JSON or YAML definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			value, err := readJSON(file)
			if err != nil {
				return err
			}

			flow, err := client.PutFlow(PutFlowRequest{
				Path:    args[0],
				Summary: summary,
				Value:   value,
				Tag:     tag,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow saved: %s", flow.Path))
			out.Print(flowHeaders, [][]string{flowRow(flow)}, flow)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Flow value file: {modules: [...]} in JSON or YAML (required)")
	cmd.Flags().StringVar(&summary, "summary", "", "Flow summary")
	cmd.Flags().StringVar(&tag, "tag", "", "Worker tag for the flow")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newFlowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show PATH",
		Short: "Show a flow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flow, err := client.GetFlow(args[0])
			if err != nil {
				return err
			}

			out.Print(flowHeaders, [][]string{flowRow(flow)}, flow)
			return nil
		},
	}
}

func newFlowDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete PATH",
		Short: "Delete a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteFlow(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow deleted: %s", args[0]))
			return nil
		},
	}
}

func newFlowResumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		moduleID string
		payload  string
		deny     bool
	)

	cmd := &cobra.Command{
		Use:   "resume JOB_ID",
		Short: "Resume (or deny with --deny) a suspended flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := ResumeRequest{ModuleID: moduleID}
			if payload != "" {
				var v any
				if err := json.Unmarshal([]byte(payload), &v); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
				req.Payload = v
			}
			if deny {
				approved := false
				req.Approved = &approved
			}

			id, err := client.Resume(args[0], req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Resume signal delivered: %s", id))
			return nil
		},
	}

	cmd.Flags().StringVar(&moduleID, "module", "", "Suspended module ID (defaults to the current step)")
	cmd.Flags().StringVar(&payload, "payload", "", "Resume payload as JSON")
	cmd.Flags().BoolVar(&deny, "deny", false, "Deny instead of approving")

	return cmd
}
