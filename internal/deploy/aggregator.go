// Package deploy — Deployment-Callback Aggregator: тонкая политика поверх
// Debounce Coordinator. События деплоя, подходящие под правило, копятся
// в bucket, и целевой скрипт получает список всех задеплоенных элементов.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/shaiso/flowq/internal/debounce"
	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/mq"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/trigger"
)

// ItemsField — аргумент задания со списком элементов.
const ItemsField = "items"

// Rule — правило агрегации.
type Rule struct {
	Name string `mapstructure:"name" json:"name"`

	// WorkspaceID — пусто означает любой workspace.
	WorkspaceID string `mapstructure:"workspace_id" json:"workspace_id,omitempty"`

	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix,omitempty"`
	PathGlob   string `mapstructure:"path_glob" json:"path_glob,omitempty"`

	// ItemKinds — пусто означает любой вид.
	ItemKinds []string `mapstructure:"item_kinds" json:"item_kinds,omitempty"`

	// TargetPath — скрипт, получающий накопленный список.
	TargetPath string `mapstructure:"target_path" json:"target_path"`

	DelaySec     int    `mapstructure:"delay_s" json:"delay_s"`
	MaxDebounces int    `mapstructure:"max_debounces" json:"max_debounces,omitempty"`
	Tag          string `mapstructure:"tag" json:"tag,omitempty"`
}

// Validate проверяет правило.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.New("deploy rule: name is required")
	}
	if r.TargetPath == "" {
		return fmt.Errorf("deploy rule %s: target_path is required", r.Name)
	}
	if r.PathGlob != "" {
		if _, err := path.Match(r.PathGlob, ""); err != nil {
			return fmt.Errorf("deploy rule %s: bad path_glob: %w", r.Name, err)
		}
	}
	if r.DelaySec < 0 || r.MaxDebounces < 0 {
		return fmt.Errorf("deploy rule %s: delay_s and max_debounces must be >= 0", r.Name)
	}
	return nil
}

// Matches проверяет событие против правила.
func (r *Rule) Matches(ev domain.DeployEvent) bool {
	if r.WorkspaceID != "" && r.WorkspaceID != ev.WorkspaceID {
		return false
	}
	if r.PathPrefix != "" && !strings.HasPrefix(ev.Path, r.PathPrefix) {
		return false
	}
	if r.PathGlob != "" {
		if ok, _ := path.Match(r.PathGlob, ev.Path); !ok {
			return false
		}
	}
	return len(r.ItemKinds) == 0 || slices.Contains(r.ItemKinds, ev.ItemKind)
}

// Aggregator раздаёт события деплоя по правилам.
type Aggregator struct {
	router *trigger.Router
	rules  []Rule
	logger *slog.Logger
}

// New создаёт Aggregator. Правила проверяются заранее.
func New(router *trigger.Router, rules []Rule, logger *slog.Logger) (*Aggregator, error) {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &Aggregator{router: router, rules: rules, logger: logger.With("component", "deploy")}, nil
}

// Rules возвращает правила.
func (a *Aggregator) Rules() []Rule {
	return a.rules
}

// Item — элемент списка, который получает целевой скрипт.
func Item(ev domain.DeployEvent) map[string]any {
	item := map[string]any{
		"path":        ev.Path,
		"kind":        ev.ItemKind,
		"deployed_at": ev.DeployedAt.UTC().Format(time.RFC3339Nano),
	}
	if ev.Hash != "" {
		item["hash"] = ev.Hash
	}
	if ev.DeployedBy != "" {
		item["deployed_by"] = ev.DeployedBy
	}
	return item
}

// OnDeployed отправляет событие во все подходящие правила.
// Возвращает по результату на каждое сработавшее правило.
func (a *Aggregator) OnDeployed(ctx context.Context, ev domain.DeployEvent) ([]debounce.Result, error) {
	if ev.WorkspaceID == "" || ev.Path == "" {
		return nil, fmt.Errorf("deploy event requires workspace_id and path")
	}

	var (
		out  []debounce.Result
		errs []error
	)
	for i := range a.rules {
		rule := &a.rules[i]
		if !rule.Matches(ev) {
			continue
		}

		res, err := a.router.Submit(ctx, a.spec(rule, ev))
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.Name, err))
			continue
		}
		a.logger.Debug("deploy event aggregated",
			"rule", rule.Name, "path", ev.Path, "outcome", res.Outcome, "trigger_id", res.TriggerID)
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

func (a *Aggregator) spec(rule *Rule, ev domain.DeployEvent) *queue.JobSpec {
	item := Item(ev)
	deb := &domain.DebounceSettings{
		KeyTemplate:      "deploy:" + rule.Name,
		DelaySec:         rule.DelaySec,
		AccumulateFields: []string{ItemsField},
		MaxDebounces:     rule.MaxDebounces,
	}

	var items any = item
	if !deb.Enabled() {
		// Без debounce скрипт всё равно получает список.
		items = []any{item}
	}

	return &queue.JobSpec{
		WorkspaceID: ev.WorkspaceID,
		Kind:        domain.JobKindDeploymentCallback,
		Path:        rule.TargetPath,
		Args:        map[string]any{ItemsField: items, "rule": rule.Name},
		Tag:         rule.Tag,
		CreatedBy:   ev.DeployedBy,
		TriggerKind: domain.TriggerKindDeployment,
		Trigger:     rule.Name,
		Debounce:    deb,
	}
}

// HandleMessage — обработчик очереди flowq.deployments.
func (a *Aggregator) HandleMessage(ctx context.Context, msg *mq.Message) error {
	ev, err := mq.ParsePayload[domain.DeployEvent](msg)
	if err != nil {
		return err
	}
	if ev.DeployedAt.IsZero() {
		ev.DeployedAt = msg.Timestamp
	}
	_, err = a.OnDeployed(ctx, ev)
	return err
}
