package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/flowq/internal/deploy"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DB.Driver != DriverPostgres {
		t.Errorf("DB.Driver = %q, want %q", cfg.DB.Driver, DriverPostgres)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want 8080", cfg.API.Port)
	}
	if cfg.Worker.HeartbeatInterval != 5*time.Second {
		t.Errorf("Worker.HeartbeatInterval = %v, want 5s", cfg.Worker.HeartbeatInterval)
	}
	if len(cfg.Worker.Tags) != 1 || cfg.Worker.Tags[0] != "default" {
		t.Errorf("Worker.Tags = %v, want [default]", cfg.Worker.Tags)
	}
	if cfg.RabbitMQ.URL != "" {
		t.Errorf("RabbitMQ.URL = %q, want empty", cfg.RabbitMQ.URL)
	}
	if cfg.Worker.MaxReclaims != 3 {
		t.Errorf("Worker.MaxReclaims = %d, want 3", cfg.Worker.MaxReclaims)
	}
	if cfg.Worker.AIAgentEndpoint != "" {
		t.Errorf("Worker.AIAgentEndpoint = %q, want empty", cfg.Worker.AIAgentEndpoint)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "flowq.yaml")
	src := `
db:
  driver: sqlite
  url: /tmp/flowq.db
worker:
  slots: 8
  tags: [gpu, default]
scheduler:
  tick_interval: 2s
deploy_callbacks:
  - name: sync
    path_prefix: f/
    item_kinds: [script, flow]
    target_path: f/on_deploy
    delay_s: 30
`
	if err := os.WriteFile(file, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FLOWQ_WORKER_SLOTS", "16")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("API_PORT", "9000")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DB.Driver != DriverSQLite || cfg.DB.URL != "/tmp/flowq.db" {
		t.Errorf("DB = %+v", cfg.DB)
	}
	if cfg.Worker.Slots != 16 {
		t.Errorf("Worker.Slots = %d, want 16 (env wins over file)", cfg.Worker.Slots)
	}
	if len(cfg.Worker.Tags) != 2 || cfg.Worker.Tags[0] != "gpu" {
		t.Errorf("Worker.Tags = %v", cfg.Worker.Tags)
	}
	if cfg.Scheduler.TickInterval != 2*time.Second {
		t.Errorf("Scheduler.TickInterval = %v, want 2s", cfg.Scheduler.TickInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug (bare alias)", cfg.Log.Level)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}

	if len(cfg.DeployCallbacks) != 1 {
		t.Fatalf("DeployCallbacks = %d, want 1", len(cfg.DeployCallbacks))
	}
	r := cfg.DeployCallbacks[0]
	if r.Name != "sync" || r.TargetPath != "f/on_deploy" || r.DelaySec != 30 || len(r.ItemKinds) != 2 {
		t.Errorf("DeployCallbacks[0] = %+v", r)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() error = nil, want error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad driver", func(c *Config) { c.DB.Driver = "mysql" }, "db.driver"},
		{"no url", func(c *Config) { c.DB.URL = "" }, "db.url"},
		{"bad port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"negative rps", func(c *Config) { c.API.RateLimitRPS = -1 }, "rate_limit"},
		{"zero tick", func(c *Config) { c.Scheduler.TickInterval = 0 }, "tick_interval"},
		{"rule without target", func(c *Config) {
			c.DeployCallbacks = append(c.DeployCallbacks, deployRule("a", ""))
		}, "target_path"},
		{"duplicate rule", func(c *Config) {
			c.DeployCallbacks = append(c.DeployCallbacks, deployRule("a", "f/x"), deployRule("a", "f/y"))
		}, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func deployRule(name, target string) deploy.Rule {
	return deploy.Rule{Name: name, TargetPath: target}
}
