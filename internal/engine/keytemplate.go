package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Ключи debounce и concurrency задаются шаблоном с подстановками:
//
//	$workspace     — id workspace
//	$path          — путь скрипта или flow
//	$args[field]   — значение аргумента (вложенные поля через точку: $args[repo.name])
//
// Например: "deploy:$args[repo]" сводит вместе все триггеры одного репозитория.
var keyPlaceholder = regexp.MustCompile(`\$args\[([^\]]*)\]`)

// ResolveKey подставляет аргументы в шаблон ключа.
// Отсутствующий аргумент даёт пустую строку.
func ResolveKey(tmpl, workspace, path string, args map[string]any) (string, error) {
	if err := CheckKeyTemplate(tmpl); err != nil {
		return "", err
	}

	out := keyPlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		field := keyPlaceholder.FindStringSubmatch(m)[1]
		return keyValue(lookupArg(args, field))
	})
	out = strings.ReplaceAll(out, "$workspace", workspace)
	out = strings.ReplaceAll(out, "$path", path)
	return out, nil
}

// CheckKeyTemplate проверяет синтаксис шаблона ключа.
func CheckKeyTemplate(tmpl string) error {
	for _, m := range keyPlaceholder.FindAllStringSubmatch(tmpl, -1) {
		if strings.TrimSpace(m[1]) == "" {
			return NewValidationError("", "key", "empty $args[] placeholder", ErrBadKeyTemplate)
		}
	}
	rest := keyPlaceholder.ReplaceAllString(tmpl, "")
	if strings.Contains(rest, "$args") {
		return NewValidationError("", "key", fmt.Sprintf("unterminated $args placeholder in %q", tmpl), ErrBadKeyTemplate)
	}
	return nil
}

// DefaultKey строит ключ, когда шаблон не задан:
// workspace, путь и стабильный хеш аргументов без накапливаемых полей.
func DefaultKey(workspace, path string, args map[string]any, exclude []string) string {
	filtered := make(map[string]any, len(args))
	for k, v := range args {
		filtered[k] = v
	}
	for _, f := range exclude {
		delete(filtered, f)
	}

	// encoding/json сортирует ключи map, поэтому хеш стабилен.
	b, _ := json.Marshal(filtered)
	sum := sha256.Sum256(b)
	return path + ":" + hex.EncodeToString(sum[:8])
}

// ScopedKey добавляет префикс workspace: одинаковые ключи разных тенантов не сливаются.
func ScopedKey(workspace, key string) string {
	return workspace + "/" + key
}

func lookupArg(args map[string]any, field string) any {
	var cur any = args
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func keyValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// CacheKey строит ключ кеша результата из частей (workspace, цель, аргументы...).
// Одинаковые части дают одинаковый ключ в любом процессе.
func CacheKey(workspace string, parts ...any) string {
	b, _ := json.Marshal(parts)
	sum := sha256.Sum256(b)
	return ScopedKey(workspace, "cache:"+hex.EncodeToString(sum[:16]))
}
