package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// parseArgs собирает аргументы задания из файла (JSON или YAML) и пар
// KEY=VALUE. Значение пары разбирается как JSON, иначе берётся строкой:
// count=3 даёт число, name=bob строку. Пары перекрывают файл.
func parseArgs(file string, pairs []string) (map[string]any, error) {
	args := map[string]any{}

	if file != "" {
		doc, err := readDocument(file)
		if err != nil {
			return nil, err
		}
		m, ok := doc.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: args must be an object", file)
		}
		args = m
	}

	for _, kv := range pairs {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid arg format %q, expected KEY=VALUE", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		args[key] = v
	}

	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

// readDocument читает JSON или YAML файл. "-" — stdin.
func readDocument(file string) (any, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	// YAML — надмножество JSON, один декодер на оба формата.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", file, err)
	}
	return doc, nil
}

// readJSON читает документ и перекодирует его в JSON.
func readJSON(file string) (json.RawMessage, error) {
	doc, err := readDocument(file)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return data, nil
}
