package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conflux.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

const validYAML = `
node_id: 1
data_dir: /var/lib/conflux
bind_addr: 127.0.0.1:8300
heartbeat_interval_ms: 100
election_timeout_min_ms: 500
election_timeout_max_ms: 1000
snapshot_threshold: 8192
max_request_bytes: 1048576
rate_limit_per_sec: 500
max_in_flight_requests: 256
log_level: info
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTestConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != 1 || cfg.BindAddr != "127.0.0.1:8300" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoad_MissingFileIsInvalidArgument(t *testing.T) {
	_, err := Load("/nonexistent/path/conflux.yaml")
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoad_MalformedYAMLIsInvalidArgument(t *testing.T) {
	path := writeTestConfig(t, "not: valid: yaml: [")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error for malformed yaml")
	}
}

func TestValidate_MissingRequiredFieldFails(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail on an empty config")
	}
}

func TestValidate_ElectionTimeoutOrderingEnforced(t *testing.T) {
	cfg := Config{
		NodeID:               1,
		DataDir:              "/data",
		BindAddr:             "127.0.0.1:8300",
		HeartbeatIntervalMS:  500,
		ElectionTimeoutMinMS: 300, // below heartbeat: must fail gtfield
		ElectionTimeoutMaxMS: 1000,
		SnapshotThreshold:    1,
		MaxRequestBytes:      1,
		RateLimitPerSec:      1,
		MaxInFlightRequests:  1,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail when election_timeout_min <= heartbeat_interval")
	}
}

func TestValidate_MaxBelowMinFails(t *testing.T) {
	cfg := Config{
		NodeID:               1,
		DataDir:              "/data",
		BindAddr:             "127.0.0.1:8300",
		HeartbeatIntervalMS:  100,
		ElectionTimeoutMinMS: 500,
		ElectionTimeoutMaxMS: 400, // below min: must fail gtfield
		SnapshotThreshold:    1,
		MaxRequestBytes:      1,
		RateLimitPerSec:      1,
		MaxInFlightRequests:  1,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail when election_timeout_max <= election_timeout_min")
	}
}

func TestValidate_BadLogLevelFails(t *testing.T) {
	path := writeTestConfig(t, validYAML+"log_level: verbose\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation to reject an unrecognized log_level")
	}
}

func TestRaftNodeConfig_ProjectsFields(t *testing.T) {
	path := writeTestConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rn := cfg.RaftNodeConfig()
	if rn.NodeID != "1" {
		t.Fatalf("expected node id \"1\", got %q", rn.NodeID)
	}
	if rn.BindAddr != cfg.BindAddr || rn.DataDir != cfg.DataDir {
		t.Fatalf("expected bind_addr/data_dir to carry over, got %+v", rn)
	}
	if rn.SnapshotThreshold != cfg.SnapshotThreshold {
		t.Fatalf("expected snapshot_threshold to carry over, got %d", rn.SnapshotThreshold)
	}
}
