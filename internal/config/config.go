// Package config defines the typed configuration surface named in
// spec.md §6 and SPEC_FULL.md §2.3. Binding these values to an actual
// listener, TLS termination, or auth/rate-limit middleware is an
// external collaborator's job per §1; this package only owns the typed
// struct and its defaults, plus an optional environment loader so
// cmd/automationd and tests have something concrete to construct the
// coordinator with.
//
// Grounded on the pack's viper-based CLIs (cklxx-elephant.ai's
// internal/config.Manager, kiosk404-echoryn's eidoctl/echoctl cmd
// packages binding cobra flags through viper), generalized from their
// ad hoc key sets to the fixed field list spec.md §6 enumerates.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of environment-configurable inputs spec.md §6
// names. Every field has a documented default; LoadFromEnv applies
// those defaults before consulting the environment.
type Config struct {
	// ListenAddress is the host/interface the external transport binds
	// to. Default "127.0.0.1".
	ListenAddress string
	// Port is the TCP port the external transport listens on. Default
	// 8942.
	Port int
	// UnixSocketPath, if non-empty, is an additional UNIX domain socket
	// the external transport may listen on alongside Port. Default "".
	UnixSocketPath string
	// TLSCertPath and TLSKeyPath locate the PEM cert/key pair used by
	// the external transport's TLS termination, if any. Both default
	// to "", meaning TLS is left to the transport's own discretion.
	TLSCertPath string
	TLSKeyPath  string
	// APIKey is the bearer credential the external transport's auth
	// layer checks incoming requests against. Default "".
	APIKey string
	// RequestsPerSecond bounds the external transport's rate limiter.
	// Default 50.
	RequestsPerSecond int
	// AuditLogPath is where the external transport's audit layer
	// appends structured request records. Default "" (disabled).
	AuditLogPath string

	// ElementTTL is parsed and validated, default 30s. The coordinator
	// does not read it: element registry entries are stored with no TTL
	// and no eviction loop runs over them, so they do not expire.
	ElementTTL time.Duration
	// WindowSnapshotTTL is how long the Window Reconciler's cached
	// traversal snapshot is considered fresh before a rebuild (spec.md
	// §4.3's refresh window). Default 2s.
	WindowSnapshotTTL time.Duration
	// OperationRetention is how long a completed/failed/cancelled
	// long-running operation stays gettable before eviction. Default
	// 1 hour.
	OperationRetention time.Duration
	// ObservationPollInterval is parsed and validated, default 500ms.
	// The coordinator does not read it: create_observation falls back to
	// observation.DefaultPollInterval when the caller passes no interval.
	ObservationPollInterval time.Duration
	// CompletedInputBuffer caps how many terminal (completed/failed)
	// Input records are retained per target (pid) before the oldest is
	// evicted. Default 100.
	CompletedInputBuffer int
}

// Defaults returns the documented default Config, the same values
// LoadFromEnv starts from before applying overrides.
func Defaults() Config {
	return Config{
		ListenAddress:           "127.0.0.1",
		Port:                    8942,
		RequestsPerSecond:       50,
		ElementTTL:              30 * time.Second,
		WindowSnapshotTTL:       2 * time.Second,
		OperationRetention:      time.Hour,
		ObservationPollInterval: 500 * time.Millisecond,
		CompletedInputBuffer:    100,
	}
}

// envPrefix is the MACOSUSE_ prefix shared by every environment
// variable LoadFromEnv binds a Config field to.
const envPrefix = "MACOSUSE"

// LoadFromEnv builds a Config starting from Defaults and overriding any
// field whose corresponding MACOSUSE_* environment variable is set.
// Binding the resulting Config to a real listener remains an external
// collaborator's job; this only produces the typed value.
func LoadFromEnv() (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	keys := []string{
		"listen_address", "port", "unix_socket_path",
		"tls_cert_path", "tls_key_path", "api_key",
		"requests_per_second", "audit_log_path",
		"element_ttl_seconds", "window_snapshot_ttl_seconds",
		"operation_retention_seconds", "observation_poll_interval_seconds",
		"completed_input_buffer",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if s := v.GetString("listen_address"); s != "" {
		cfg.ListenAddress = s
	}
	if v.IsSet("port") {
		cfg.Port = v.GetInt("port")
	}
	if s := v.GetString("unix_socket_path"); s != "" {
		cfg.UnixSocketPath = s
	}
	if s := v.GetString("tls_cert_path"); s != "" {
		cfg.TLSCertPath = s
	}
	if s := v.GetString("tls_key_path"); s != "" {
		cfg.TLSKeyPath = s
	}
	if s := v.GetString("api_key"); s != "" {
		cfg.APIKey = s
	}
	if v.IsSet("requests_per_second") {
		cfg.RequestsPerSecond = v.GetInt("requests_per_second")
	}
	if s := v.GetString("audit_log_path"); s != "" {
		cfg.AuditLogPath = s
	}
	if v.IsSet("element_ttl_seconds") {
		cfg.ElementTTL = time.Duration(v.GetInt("element_ttl_seconds")) * time.Second
	}
	if v.IsSet("window_snapshot_ttl_seconds") {
		cfg.WindowSnapshotTTL = time.Duration(v.GetInt("window_snapshot_ttl_seconds")) * time.Second
	}
	if v.IsSet("operation_retention_seconds") {
		cfg.OperationRetention = time.Duration(v.GetInt("operation_retention_seconds")) * time.Second
	}
	if v.IsSet("observation_poll_interval_seconds") {
		cfg.ObservationPollInterval = time.Duration(v.GetInt("observation_poll_interval_seconds")) * time.Second
	}
	if v.IsSet("completed_input_buffer") {
		cfg.CompletedInputBuffer = v.GetInt("completed_input_buffer")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first structurally invalid field, e.g. a
// negative port or a TLS cert without a matching key.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("config: requests_per_second must be non-negative, got %d", c.RequestsPerSecond)
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return fmt.Errorf("config: tls_cert_path and tls_key_path must both be set or both empty")
	}
	if c.ElementTTL <= 0 {
		return fmt.Errorf("config: element_ttl_seconds must be positive, got %s", c.ElementTTL)
	}
	if c.OperationRetention <= 0 {
		return fmt.Errorf("config: operation_retention_seconds must be positive, got %s", c.OperationRetention)
	}
	if c.ObservationPollInterval <= 0 {
		return fmt.Errorf("config: observation_poll_interval_seconds must be positive, got %s", c.ObservationPollInterval)
	}
	if c.CompletedInputBuffer <= 0 {
		return fmt.Errorf("config: completed_input_buffer must be positive, got %d", c.CompletedInputBuffer)
	}
	return nil
}
