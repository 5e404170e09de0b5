package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shaiso/flowq/internal/domain"
)

const scriptColumns = `
	workspace_id, path, hash, language, content, tag, concurrency, debounce,
	cache_ttl_s, timeout_s, priority, dependency_lock, created_by, created_at, archived`

const flowColumns = `
	workspace_id, path, summary, value, tag, concurrency, debounce,
	created_by, created_at, updated_at`

// --- Script ---

// InsertScript сохраняет версию скрипта. Повтор той же версии — ErrAlreadyExists.
func (r pgOps) InsertScript(ctx context.Context, s *domain.Script) error {
	concurrency, err := EncodeJSON(s.Concurrency)
	if err != nil {
		return err
	}
	debounce, err := EncodeJSON(s.Debounce)
	if err != nil {
		return err
	}

	query := `INSERT INTO script (` + scriptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = r.q.Exec(ctx, query,
		s.WorkspaceID, s.Path, s.Hash, s.Language, s.Content, s.Tag, concurrency, debounce,
		s.CacheTTLSec, s.TimeoutSec, s.Priority, s.DependencyLock, s.CreatedBy, s.CreatedAt, s.Archived,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert script: %w", err)
	}
	return nil
}

// GetScript возвращает последнюю неархивную версию по пути.
func (r pgOps) GetScript(ctx context.Context, workspaceID, path string) (*domain.Script, error) {
	query := `
		SELECT ` + scriptColumns + `
		FROM script
		WHERE workspace_id = $1 AND path = $2 AND archived = FALSE
		ORDER BY created_at DESC
		LIMIT 1`
	return scanScript(r.q.QueryRow(ctx, query, workspaceID, path))
}

// GetScriptByHash возвращает конкретную версию.
func (r pgOps) GetScriptByHash(ctx context.Context, workspaceID, hash string) (*domain.Script, error) {
	query := `SELECT ` + scriptColumns + ` FROM script WHERE workspace_id = $1 AND hash = $2`
	return scanScript(r.q.QueryRow(ctx, query, workspaceID, hash))
}

// ListScripts возвращает последние версии всех скриптов workspace.
func (r pgOps) ListScripts(ctx context.Context, workspaceID string) ([]domain.Script, error) {
	query := `
		SELECT DISTINCT ON (path) ` + scriptColumns + `
		FROM script
		WHERE workspace_id = $1 AND archived = FALSE
		ORDER BY path, created_at DESC`
	rows, err := r.q.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	var scripts []domain.Script
	for rows.Next() {
		s, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, *s)
	}
	return scripts, rows.Err()
}

func scanScript(row pgx.Row) (*domain.Script, error) {
	var s domain.Script
	var concurrency, debounce []byte
	err := row.Scan(
		&s.WorkspaceID, &s.Path, &s.Hash, &s.Language, &s.Content, &s.Tag, &concurrency, &debounce,
		&s.CacheTTLSec, &s.TimeoutSec, &s.Priority, &s.DependencyLock, &s.CreatedBy, &s.CreatedAt, &s.Archived,
	)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan script: %w", err)
	}
	if err := decodeSettings(concurrency, debounce, &s.Concurrency, &s.Debounce); err != nil {
		return nil, err
	}
	return &s, nil
}

// --- Flow ---

// UpsertFlow создаёт или заменяет определение flow.
func (r pgOps) UpsertFlow(ctx context.Context, f *domain.FlowDef) error {
	value, err := EncodeJSON(&f.Value)
	if err != nil {
		return err
	}
	concurrency, err := EncodeJSON(f.Concurrency)
	if err != nil {
		return err
	}
	debounce, err := EncodeJSON(f.Debounce)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flow (` + flowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (workspace_id, path) DO UPDATE
		SET summary = EXCLUDED.summary, value = EXCLUDED.value, tag = EXCLUDED.tag,
		    concurrency = EXCLUDED.concurrency, debounce = EXCLUDED.debounce,
		    updated_at = EXCLUDED.updated_at`
	_, err = r.q.Exec(ctx, query,
		f.WorkspaceID, f.Path, f.Summary, value, f.Tag, concurrency, debounce,
		f.CreatedBy, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert flow: %w", err)
	}
	return nil
}

// GetFlow возвращает flow по пути.
func (r pgOps) GetFlow(ctx context.Context, workspaceID, path string) (*domain.FlowDef, error) {
	query := `SELECT ` + flowColumns + ` FROM flow WHERE workspace_id = $1 AND path = $2`
	return scanFlow(r.q.QueryRow(ctx, query, workspaceID, path))
}

// ListFlows возвращает flow workspace по пути.
func (r pgOps) ListFlows(ctx context.Context, workspaceID string) ([]domain.FlowDef, error) {
	query := `SELECT ` + flowColumns + ` FROM flow WHERE workspace_id = $1 ORDER BY path`
	rows, err := r.q.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []domain.FlowDef
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *f)
	}
	return flows, rows.Err()
}

// DeleteFlow удаляет flow.
func (r pgOps) DeleteFlow(ctx context.Context, workspaceID, path string) error {
	return r.execOne(ctx, "delete flow", `DELETE FROM flow WHERE workspace_id = $1 AND path = $2`, workspaceID, path)
}

func scanFlow(row pgx.Row) (*domain.FlowDef, error) {
	var f domain.FlowDef
	var value, concurrency, debounce []byte
	err := row.Scan(
		&f.WorkspaceID, &f.Path, &f.Summary, &value, &f.Tag, &concurrency, &debounce,
		&f.CreatedBy, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("scan flow: %w", err)
	}
	if err := DecodeJSON(value, &f.Value); err != nil {
		return nil, err
	}
	if err := decodeSettings(concurrency, debounce, &f.Concurrency, &f.Debounce); err != nil {
		return nil, err
	}
	return &f, nil
}

// decodeSettings разбирает колонки concurrency и debounce.
func decodeSettings(concurrency, debounce []byte, c **domain.ConcurrencySettings, d **domain.DebounceSettings) error {
	if len(concurrency) > 0 && string(concurrency) != "null" {
		*c = &domain.ConcurrencySettings{}
		if err := DecodeJSON(concurrency, *c); err != nil {
			return err
		}
	}
	if len(debounce) > 0 && string(debounce) != "null" {
		*d = &domain.DebounceSettings{}
		if err := DecodeJSON(debounce, *d); err != nil {
			return err
		}
	}
	return nil
}
