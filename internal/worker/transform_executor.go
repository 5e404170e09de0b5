package worker

import (
	"context"

	"github.com/shaiso/flowq/internal/engine"
)

// TransformExecutor — executor для скриптов на языке "transform".
//
// Код скрипта — Go-шаблон над .Inputs (аргументы задания). Результат
// рендеринга разбирается как JSON, иначе возвращается строкой.
// Пустой код возвращает аргументы как есть.
type TransformExecutor struct{}

// Execute рендерит шаблон.
func (e *TransformExecutor) Execute(_ context.Context, exec *Execution) (*ExecutionResult, error) {
	if exec.Job.RawCode == "" {
		return &ExecutionResult{Value: exec.Job.Args}, nil
	}

	v, err := engine.Eval(exec.Job.RawCode, engine.NewContext(exec.Job.Args))
	if err != nil {
		return &ExecutionResult{Error: err.Error()}, nil
	}
	return &ExecutionResult{Value: v}, nil
}
