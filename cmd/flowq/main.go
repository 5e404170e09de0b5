// flowq — инструмент командной строки для работы с очередью, скриптами,
// flows и расписаниями через HTTP API.
//
// Использование:
//
//	flowq [--api-url URL] [--workspace WS] [--user NAME] [--json] <command> <subcommand> [flags]
//
// Флаги можно задать переменными окружения FLOWQ_API_URL, FLOWQ_WORKSPACE
// и FLOWQ_USER.
//
// Команды:
//
//	job       Постановка и просмотр заданий
//	flow      Управление flows
//	script    Управление скриптами
//	schedule  Управление расписаниями
//	trigger   Отправка триггера
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shaiso/flowq/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	v := viper.New()
	v.SetEnvPrefix("FLOWQ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "flowq",
		Short:         "flowq CLI — job queue and flow orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("api-url", "http://localhost:8080", "API server URL")
	flags.StringP("workspace", "w", "default", "Workspace")
	flags.String("user", os.Getenv("USER"), "User name sent with requests")
	flags.Bool("json", false, "Output in JSON format")
	if err := v.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	clientFn := func() *cli.Client {
		return cli.NewClient(v.GetString("api-url"), v.GetString("workspace"), v.GetString("user"))
	}
	outputFn := func() *cli.Output { return cli.NewOutput(v.GetBool("json")) }

	rootCmd.AddCommand(
		cli.NewJobCmd(clientFn, outputFn),
		cli.NewFlowCmd(clientFn, outputFn),
		cli.NewScriptCmd(clientFn, outputFn),
		cli.NewScheduleCmd(clientFn, outputFn),
		cli.NewTriggerCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
