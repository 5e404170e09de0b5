package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Script — зарегистрированный скрипт.
//
// Скрипт неизменяем: новая версия — новая строка с новым Hash.
// По Path берётся последняя неархивная версия.
type Script struct {
	WorkspaceID string `json:"workspace_id"`
	Path        string `json:"path"`

	// Hash — идентификатор версии (вычисляется из языка и кода).
	Hash string `json:"hash"`

	Language string `json:"language"`
	Content  string `json:"content"`

	// Tag — группа воркеров по умолчанию.
	Tag string `json:"tag,omitempty"`

	// Настройки, копируемые в каждое задание скрипта.
	Concurrency *ConcurrencySettings `json:"concurrency,omitempty"`
	Debounce    *DebounceSettings    `json:"debounce,omitempty"`
	CacheTTLSec int                  `json:"cache_ttl_s,omitempty"`
	TimeoutSec  int                  `json:"timeout_s,omitempty"`
	Priority    int                  `json:"priority,omitempty"`

	// DependencyLock — зафиксированные зависимости (результат dependencies-задания).
	DependencyLock string `json:"dependency_lock,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Archived  bool      `json:"archived,omitempty"`
}

// ScriptHash вычисляет хеш версии скрипта.
func ScriptHash(language, content string) string {
	sum := sha256.Sum256([]byte(language + "\x00" + content))
	return hex.EncodeToString(sum[:8])
}

// FlowDef — зарегистрированный flow.
type FlowDef struct {
	WorkspaceID string    `json:"workspace_id"`
	Path        string    `json:"path"`
	Summary     string    `json:"summary,omitempty"`
	Value       FlowValue `json:"value"`

	Tag         string               `json:"tag,omitempty"`
	Concurrency *ConcurrencySettings `json:"concurrency,omitempty"`
	Debounce    *DebounceSettings    `json:"debounce,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResumeSignal — внешний сигнал для приостановленного модуля.
type ResumeSignal struct {
	ID        uuid.UUID `json:"id"`
	JobID     uuid.UUID `json:"job_id"`
	ModuleID  string    `json:"module_id"`
	Approver  string    `json:"approver,omitempty"`
	Approved  bool      `json:"approved"`
	Payload   any       `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LogLine — строка лога задания.
type LogLine struct {
	Seq       int64     `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// DeployEvent — событие "элемент задеплоен".
type DeployEvent struct {
	WorkspaceID string    `json:"workspace_id"`
	Path        string    `json:"path"`
	ItemKind    string    `json:"item_kind"`             // script | flow | app | resource
	Hash        string    `json:"hash,omitempty"`
	DeployedBy  string    `json:"deployed_by,omitempty"`
	DeployedAt  time.Time `json:"deployed_at"`
}
