package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
plot_dirs:
  - /mnt/p1
  - /mnt/p2
url: http://pool.example:8124
account_id_to_secret_phrase:
  1234: "glad suffer red during single glow shut slam hill death lust although"
target_deadline: 31536000
account_id_to_target_deadline:
  1234: 86400
io_buffer_size: 8388608
buffer_count: 6
worker_threads: 4
reader_threads: 2
capacity_check_interval: 12h
get_mining_info_interval: 2s
timeout: 10s
hdd_use_direct_io: false
hdd_wakeup_after: 240s
submit_only_best: true
send_proxy_details: true
additional_headers:
  X-Pool-Token: "abc"
api:
  enabled: false
  listen_addr: ":9999"
logging:
  level: debug
  file: miner.log
  console: false
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.PlotDirs) != 2 || cfg.PlotDirs[1] != "/mnt/p2" {
		t.Errorf("plot_dirs = %v", cfg.PlotDirs)
	}
	if cfg.AccountIDToSecretPhrase[1234] == "" {
		t.Error("secret phrase not parsed")
	}
	if cfg.AccountIDToTargetDeadline[1234] != 86400 {
		t.Errorf("account target = %d", cfg.AccountIDToTargetDeadline[1234])
	}
	if cfg.IOBufferSize != 8<<20 || cfg.BufferCount != 6 {
		t.Errorf("buffer settings %d/%d", cfg.IOBufferSize, cfg.BufferCount)
	}
	if cfg.CapacityCheckInterval.Std() != 12*time.Hour {
		t.Errorf("capacity_check_interval = %v", cfg.CapacityCheckInterval.Std())
	}
	if cfg.HDDWakeupAfter.Std() != 240*time.Second {
		t.Errorf("hdd_wakeup_after = %v", cfg.HDDWakeupAfter.Std())
	}
	if cfg.HDDUseDirectIO {
		t.Error("hdd_use_direct_io should be disabled")
	}
	if !cfg.SubmitOnlyBest || !cfg.SendProxyDetails {
		t.Error("submission flags lost")
	}
	if cfg.AdditionalHeaders["X-Pool-Token"] != "abc" {
		t.Error("additional_headers lost")
	}
	if cfg.API.Enabled || cfg.API.ListenAddr != ":9999" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Console {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
plot_dirs: [/mnt/p1]
url: http://localhost:8124
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IOBufferSize != 4<<20 {
		t.Errorf("io_buffer_size default = %d", cfg.IOBufferSize)
	}
	if cfg.CapacityCheckInterval.Std() != 6*time.Hour {
		t.Errorf("capacity_check_interval default = %v", cfg.CapacityCheckInterval.Std())
	}
	if cfg.GetMiningInfoInterval.Std() != 3*time.Second {
		t.Errorf("get_mining_info_interval default = %v", cfg.GetMiningInfoInterval.Std())
	}
	if !cfg.HDDUseDirectIO {
		t.Error("direct I/O should default on")
	}
	if cfg.WorkerThreads != 0 || cfg.ReaderThreads != 0 || cfg.BufferCount != 0 {
		t.Error("auto-sized settings should default to 0")
	}
	if !cfg.API.Enabled || cfg.API.ListenAddr == "" {
		t.Errorf("api defaults = %+v", cfg.API)
	}
}

func TestDurationForms(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
plot_dirs: [/mnt/p1]
url: http://localhost:8124
timeout: 30
get_mining_info_interval: 1500ms
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeout.Std() != 30*time.Second {
		t.Errorf("bare number should mean seconds, got %v", cfg.Timeout.Std())
	}
	if cfg.GetMiningInfoInterval.Std() != 1500*time.Millisecond {
		t.Errorf("interval = %v", cfg.GetMiningInfoInterval.Std())
	}
}

func TestPollIntervalFloor(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
plot_dirs: [/mnt/p1]
url: http://localhost:8124
get_mining_info_interval: 100ms
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GetMiningInfoInterval.Std() != time.Second {
		t.Errorf("interval below 1s must be clamped, got %v", cfg.GetMiningInfoInterval.Std())
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name, body, want string
	}{
		{"no plot dirs", "url: http://x\n", "plot_dirs"},
		{"no url", "plot_dirs: [/a]\n", "url"},
		{"tiny buffer", "plot_dirs: [/a]\nurl: http://x\nio_buffer_size: 64\n", "io_buffer_size"},
		{"negative workers", "plot_dirs: [/a]\nurl: http://x\nworker_threads: -1\n", "worker_threads"},
		{"short capacity check", "plot_dirs: [/a]\nurl: http://x\ncapacity_check_interval: 5s\n", "capacity_check_interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
