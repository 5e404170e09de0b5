package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/shaiso/flowq/internal/telemetry"
)

// BashExecutor — executor для скриптов на языке "bash".
//
// Код выполняется через `bash -c`. Аргументы передаются в окружении:
// каждый как FLOWQ_ARG_<NAME> и все вместе JSON в FLOWQ_ARGS. Ещё
// FLOWQ_JOB_ID и FLOWQ_WORKSPACE.
// Каждая строка stdout уходит в лог; последняя непустая строка — результат
// (JSON, если разбирается, иначе строка). Ненулевой код выхода — логическая
// ошибка с хвостом stderr.
type BashExecutor struct {
	// Shell — путь к интерпретатору. Пусто — "bash".
	Shell string
}

// Execute запускает процесс.
func (e *BashExecutor) Execute(ctx context.Context, ex *Execution) (*ExecutionResult, error) {
	shell := e.Shell
	if shell == "" {
		shell = "bash"
	}

	env, err := argsEnv(ex.Job.Args)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, shell, "-c", ex.Job.RawCode)
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env, "FLOWQ_JOB_ID="+ex.Job.ID.String(), "FLOWQ_WORKSPACE="+ex.Job.WorkspaceID)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptRun, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptRun, err)
	}

	var last string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		ex.Log(line)
		if strings.TrimSpace(line) != "" {
			last = line
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			telemetry.FromContext(ctx).Debug("script exited with error", "exit_code", exitErr.ExitCode())
			return &ExecutionResult{
				Error: fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), truncate(strings.TrimSpace(stderr.String()), 500)),
			}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrScriptRun, err)
	}

	var value any
	if err := json.Unmarshal([]byte(last), &value); err != nil {
		value = last
	}
	return &ExecutionResult{Value: value}, nil
}

// argsEnv строит переменные окружения из аргументов.
func argsEnv(args map[string]any) ([]string, error) {
	all, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal args: %v", ErrScriptRun, err)
	}
	env := []string{"FLOWQ_ARGS=" + string(all)}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var s string
		switch v := args[name].(type) {
		case string:
			s = v
		default:
			b, _ := json.Marshal(v)
			s = string(b)
		}
		env = append(env, "FLOWQ_ARG_"+strings.ToUpper(name)+"="+s)
	}
	return env, nil
}
