package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/batcher"
	"github.com/SteelMorgan/log-shipper/internal/checkpoint"
	"github.com/SteelMorgan/log-shipper/internal/sink"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Checkpoint.CommitMode != checkpoint.CommitPerRecord {
		t.Errorf("CommitMode = %s, want per_record", cfg.Checkpoint.CommitMode)
	}
	if cfg.Buffer.OverflowPolicy != batcher.Block || cfg.Buffer.UnhealthyPolicy != batcher.UnhealthyConfigured {
		t.Errorf("buffer policies = %s/%s", cfg.Buffer.OverflowPolicy, cfg.Buffer.UnhealthyPolicy)
	}
	if cfg.Sink.Type != sink.TypeClickHouse {
		t.Errorf("Sink.Type = %s", cfg.Sink.Type)
	}
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	path := writeConfig(t, `
watcher:
  root: /srv/logs
  recursive: false
  include: ["*.log"]
  poll_interval: 500ms
checkpoint:
  commit_mode: periodic
buffer:
  capacity_mode: unbounded
  batch_size: 50
  flush_timeout: 250ms
  overflow_policy: drop_oldest
  unhealthy_policy: drop_oldest
shipper:
  send_timeout: 3s
  backoff:
    base: 100ms
    multiplier: 1.5
    max: 10s
    jitter: 0.1
  max_reconnect_attempts: 8
sink:
  type: nats
  nats:
    url: nats://nats:4222
`)

	t.Setenv("LOGSHIPPER_WATCH_INCLUDE", "*.log; *.out")
	t.Setenv("LOGSHIPPER_BUFFER_BATCH_SIZE", "75")
	t.Setenv("LOGSHIPPER_SEND_TIMEOUT", "4s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Watcher.Root != "/srv/logs" || cfg.Watcher.Recursive || cfg.Watcher.PollInterval != 500*time.Millisecond {
		t.Errorf("watcher = %+v", cfg.Watcher)
	}
	if len(cfg.Watcher.Include) != 2 || cfg.Watcher.Include[1] != "*.out" {
		t.Errorf("Include = %v, want env override", cfg.Watcher.Include)
	}
	if cfg.Checkpoint.CommitMode != checkpoint.CommitPeriodic {
		t.Errorf("CommitMode = %s", cfg.Checkpoint.CommitMode)
	}
	if cfg.Buffer.BatchSize != 75 || cfg.Buffer.CapacityMode != batcher.Unbounded {
		t.Errorf("buffer = %+v", cfg.Buffer)
	}
	// Fields not in the file keep their defaults
	if cfg.Buffer.Capacity != batcher.DefaultConfig().Capacity {
		t.Errorf("Capacity = %d, want default", cfg.Buffer.Capacity)
	}
	if cfg.Shipper.SendTimeout != 4*time.Second || cfg.Shipper.Backoff.Multiplier != 1.5 || cfg.Shipper.MaxReconnectAttempts != 8 {
		t.Errorf("shipper = %+v", cfg.Shipper)
	}
	if cfg.Sink.Type != sink.TypeNATS || cfg.Sink.NATS.URL != "nats://nats:4222" || cfg.Sink.NATS.Stream != "LOGS" {
		t.Errorf("sink = %+v", cfg.Sink)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown overflow policy",
			yaml:    "buffer:\n  overflow_policy: drop_random\n",
			wantErr: "OverflowPolicy",
		},
		{
			name:    "jitter out of range",
			yaml:    "shipper:\n  backoff:\n    jitter: 1.5\n",
			wantErr: "Jitter",
		},
		{
			name:    "staging path required for badger",
			yaml:    "buffer:\n  durability: badger\n  staging_path: \"\"\n",
			wantErr: "StagingPath",
		},
		{
			name:    "capacity below batch size",
			yaml:    "buffer:\n  capacity: 10\n  batch_size: 100\n",
			wantErr: "buffer.capacity",
		},
		{
			name:    "kafka without brokers",
			yaml:    "sink:\n  type: kafka\n  kafka:\n    brokers: []\n",
			wantErr: "sink.kafka",
		},
		{
			name:    "bad commit mode from env",
			env:     map[string]string{"LOGSHIPPER_CHECKPOINT_COMMIT_MODE": "sometimes"},
			wantErr: "CommitMode",
		},
		{
			name:    "malformed duration from env",
			env:     map[string]string{"LOGSHIPPER_SHUTDOWN_TIMEOUT": "soon"},
			wantErr: "LOGSHIPPER_SHUTDOWN_TIMEOUT",
		},
		{
			name:    "broken yaml",
			yaml:    "watcher: [\n",
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeConfig(t, tt.yaml)
			}

			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: " ; , ", want: nil},
		{in: "a.log", want: []string{"a.log"}},
		{in: "a:9000, b:9000;c:9000", want: []string{"a:9000", "b:9000", "c:9000"}},
	}
	for _, tt := range tests {
		got := parseList(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("parseList(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("parseList(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}
