package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// NewScriptCmd создаёт группу команд для управления скриптами.
func NewScriptCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Manage scripts",
	}

	cmd.AddCommand(
		newScriptListCmd(clientFn, outputFn),
		newScriptPushCmd(clientFn, outputFn),
	)

	return cmd
}

var scriptHeaders = []string{"PATH", "HASH", "LANGUAGE", "TAG", "CREATED_BY", "CREATED"}

func scriptRow(s *ScriptResponse) []string {
	return []string{s.Path, s.Hash, s.Language, s.Tag, s.CreatedBy, shortTime(s.CreatedAt)}
}

func newScriptListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List latest script versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			scripts, err := client.ListScripts()
			if err != nil {
				return err
			}

			rows := make([][]string, len(scripts))
			for i := range scripts {
				rows[i] = scriptRow(&scripts[i])
			}

			out.Print(scriptHeaders, rows, scripts)
			return nil
		},
	}
}

// languageByExt — язык по расширению файла, когда --language не задан.
var languageByExt = map[string]string{
	".sh":   "bash",
	".bash": "bash",
	".py":   "python3",
	".ts":   "deno",
	".go":   "go",
}

func newScriptPushCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		language string
		tag      string
	)

	cmd := &cobra.Command{
		Use:   "push PATH FILE",
		Short: "Register a new script version from a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			content, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[1], err)
			}
			if language == "" {
				language = languageByExt[filepath.Ext(args[1])]
			}
			if language == "" {
				return fmt.Errorf("cannot infer language of %s, use --language", args[1])
			}

			script, err := client.CreateScript(CreateScriptRequest{
				Path:     args[0],
				Language: language,
				Content:  string(content),
				Tag:      tag,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Script saved: %s (%s)", script.Path, script.Hash))
			out.Print(scriptHeaders, [][]string{scriptRow(script)}, script)
			return nil
		},
	}

	cmd.Flags().StringVarP(&language, "language", "l", "", "Script language (inferred from the file extension)")
	cmd.Flags().StringVar(&tag, "tag", "", "Worker tag for the script")

	return cmd
}
