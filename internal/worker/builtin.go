package worker

import (
	"context"
	"slices"
	"strings"
)

// IdentityExecutor возвращает аргументы задания как результат.
type IdentityExecutor struct{}

// Execute возвращает аргументы.
func (IdentityExecutor) Execute(_ context.Context, exec *Execution) (*ExecutionResult, error) {
	return &ExecutionResult{Value: exec.Job.Args}, nil
}

// NoopExecutor ничего не делает и возвращает null.
type NoopExecutor struct{}

// Execute возвращает пустой результат.
func (NoopExecutor) Execute(context.Context, *Execution) (*ExecutionResult, error) {
	return &ExecutionResult{}, nil
}

// DependenciesExecutor строит lock зависимостей.
//
// Код задания — список требований, по одному на строку; комментарии (#)
// и пустые строки пропускаются. Lock — отсортированные уникальные требования.
type DependenciesExecutor struct{}

// Execute строит lock.
func (DependenciesExecutor) Execute(_ context.Context, exec *Execution) (*ExecutionResult, error) {
	var reqs []string
	for _, line := range strings.Split(exec.Job.RawCode, "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			reqs = append(reqs, line)
		}
	}
	slices.Sort(reqs)
	reqs = slices.Compact(reqs)

	exec.Logf("resolved %d requirements for %s", len(reqs), exec.Job.Language)
	return &ExecutionResult{Value: map[string]any{
		"language": exec.Job.Language,
		"lock":     strings.Join(reqs, "\n"),
	}}, nil
}
