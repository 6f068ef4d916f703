// Package config loads and hot-reloads the proxy's YAML configuration:
// listen addresses, and the worker/classifier/router/pool option set
// named in full. The core packages (worker, classifier, routeplan,
// connpool, rwsession) never import this package themselves — they take
// typed option structs as constructor arguments, and it is this
// package's job to produce those structs from a config file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sdrik/rwsplit/internal/routeplan"
	"github.com/sdrik/rwsplit/internal/rwsession"
	"github.com/sdrik/rwsplit/internal/topology"
)

// Config is the proxy's top-level configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Worker     WorkerConfig     `yaml:"worker"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Router     RouterConfig     `yaml:"router"`
	Pool       PoolConfig       `yaml:"pool"`
	Servers    []ServerConfig   `yaml:"servers"`
}

// ListenConfig is the front-end bind address for client connections.
type ListenConfig struct {
	MySQLPort int    `yaml:"mysql_port"`
	MySQLBind string `yaml:"mysql_bind"`
	APIPort   int    `yaml:"api_port"`
	APIBind   string `yaml:"api_bind"`
}

// WorkerConfig is spec §6's worker option group.
type WorkerConfig struct {
	ThreadCount int `yaml:"thread_count"`
	MaxEvents   int `yaml:"max_events"`
}

// ClassifierConfig is spec §6's classifier-cache option group.
type ClassifierConfig struct {
	CacheMaxBytes int    `yaml:"cache_max_bytes"` // 0 or unset becomes the 4 MiB default in applyDefaults; there is no setting that disables the cache
	SQLMode       string `yaml:"sql_mode"`
}

// TrxChecksum is the router's trx_checksum option (spec §6).
type TrxChecksum int

const (
	ChecksumFull TrxChecksum = iota
	ChecksumResultOnly
	ChecksumNoInsertID
)

func (c *TrxChecksum) UnmarshalYAML(value *yaml.Node) error {
	switch value.Value {
	case "", "Full":
		*c = ChecksumFull
	case "ResultOnly":
		*c = ChecksumResultOnly
	case "NoInsertId", "NoInsertID":
		*c = ChecksumNoInsertID
	default:
		return fmt.Errorf("trx_checksum: unrecognized value %q", value.Value)
	}
	return nil
}

// RouterConfig is spec §6's router option group, verbatim.
type RouterConfig struct {
	SlaveSelection         SlaveSelectionOpt        `yaml:"slave_selection"`
	MasterFailureMode      MasterFailureModeOpt     `yaml:"master_failure_mode"`
	MasterAcceptReads      bool                     `yaml:"master_accept_reads"`
	StrictMultiStmt        bool                     `yaml:"strict_multi_stmt"`
	StrictSPCalls          bool                     `yaml:"strict_sp_calls"`
	RetryFailedReads       bool                     `yaml:"retry_failed_reads"`
	MaxSlaveReplicationLag time.Duration            `yaml:"max_slave_replication_lag"`
	MaxSlaveConnections    int                      `yaml:"max_slave_connections"`
	SlaveConnections       int                      `yaml:"slave_connections"`
	CausalReads            CausalReadsOpt           `yaml:"causal_reads"`
	CausalReadsTimeout     time.Duration            `yaml:"causal_reads_timeout"`
	MasterReconnection     bool                     `yaml:"master_reconnection"`
	DelayedRetry           bool                     `yaml:"delayed_retry"`
	DelayedRetryTimeout    time.Duration            `yaml:"delayed_retry_timeout"`
	TransactionReplay      bool                     `yaml:"transaction_replay"`
	TrxMaxSize             int                      `yaml:"trx_max_size"`
	TrxMaxAttempts         int                      `yaml:"trx_max_attempts"`
	TrxTimeout             time.Duration            `yaml:"trx_timeout"`
	TrxRetryOnDeadlock     bool                     `yaml:"trx_retry_on_deadlock"`
	TrxRetryOnMismatch     bool                     `yaml:"trx_retry_on_mismatch"`
	TrxChecksum            TrxChecksum              `yaml:"trx_checksum"`
	OptimisticTrx          bool                     `yaml:"optimistic_trx"`
	LazyConnect            bool                     `yaml:"lazy_connect"`
	ReusePS                bool                     `yaml:"reuse_ps"`
}

// PoolConfig is spec §6's pool option group.
type PoolConfig struct {
	PersistPoolMax int           `yaml:"persist_pool_max"`
	PersistMaxTime time.Duration `yaml:"persist_max_time"`
	MaxConnections int           `yaml:"max_connections"`
}

// ServerConfig describes one static backend server entry, feeding the
// initial topology.View publish before a Prober takes over polling.
type ServerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Role    string `yaml:"role"` // "master" or "slave"
	Rank    int    `yaml:"rank"`
	Weight  int    `yaml:"weight"`
}

// SlaveSelectionOpt/MasterFailureModeOpt/CausalReadsOpt are YAML-facing
// string enums that decode into the typed enums internal/routeplan and
// internal/rwsession define, so the core packages never depend on this
// package's YAML tags.
type SlaveSelectionOpt routeplan.SlaveSelection

func (s *SlaveSelectionOpt) UnmarshalYAML(value *yaml.Node) error {
	switch value.Value {
	case "", "AdaptiveRouting":
		*s = SlaveSelectionOpt(routeplan.AdaptiveRouting)
	case "LeastCurrentConnections":
		*s = SlaveSelectionOpt(routeplan.LeastCurrentConnections)
	case "LeastRouterConnections":
		*s = SlaveSelectionOpt(routeplan.LeastRouterConnections)
	case "LeastGlobalConnections":
		*s = SlaveSelectionOpt(routeplan.LeastGlobalConnections)
	case "LeastBehindMaster":
		*s = SlaveSelectionOpt(routeplan.LeastBehindMaster)
	default:
		return fmt.Errorf("slave_selection: unrecognized value %q", value.Value)
	}
	return nil
}

type MasterFailureModeOpt routeplan.MasterFailureMode

func (m *MasterFailureModeOpt) UnmarshalYAML(value *yaml.Node) error {
	switch value.Value {
	case "", "Fail":
		*m = MasterFailureModeOpt(routeplan.Fail)
	case "ErrorOnWrite":
		*m = MasterFailureModeOpt(routeplan.ErrorOnWrite)
	case "FailOnWrite":
		*m = MasterFailureModeOpt(routeplan.FailOnWrite)
	default:
		return fmt.Errorf("master_failure_mode: unrecognized value %q", value.Value)
	}
	return nil
}

type CausalReadsOpt rwsession.CausalMode

func (c *CausalReadsOpt) UnmarshalYAML(value *yaml.Node) error {
	switch value.Value {
	case "", "None":
		*c = CausalReadsOpt(rwsession.CausalNone)
	case "Local":
		*c = CausalReadsOpt(rwsession.CausalLocal)
	case "Global":
		*c = CausalReadsOpt(rwsession.CausalGlobal)
	case "Universal":
		*c = CausalReadsOpt(rwsession.CausalUniversal)
	case "Fast":
		*c = CausalReadsOpt(rwsession.CausalFast)
	default:
		return fmt.Errorf("causal_reads: unrecognized value %q", value.Value)
	}
	return nil
}

// RoutingConfig projects RouterConfig onto internal/routeplan.Config.
func (r RouterConfig) RoutingConfig() routeplan.Config {
	return routeplan.Config{
		SlaveSelection:         routeplan.SlaveSelection(r.SlaveSelection),
		MasterFailureMode:      routeplan.MasterFailureMode(r.MasterFailureMode),
		MasterAcceptReads:      r.MasterAcceptReads,
		StrictMultiStmt:        r.StrictMultiStmt,
		StrictSPCalls:          r.StrictSPCalls,
		MaxSlaveReplicationLag: r.MaxSlaveReplicationLag,
	}
}

// SessionConfig projects RouterConfig onto internal/rwsession.Config.
// sqlMode comes from the classifier option group (spec §6
// classifier.sql_mode), which every session's classifier.Open call must
// see for the cache's (sql_mode, options) key to mean anything.
func (r RouterConfig) SessionConfig(sqlMode string) rwsession.Config {
	return rwsession.Config{
		Routing:             r.RoutingConfig(),
		CausalReads:         rwsession.CausalMode(r.CausalReads),
		CausalReadsTimeout:  r.CausalReadsTimeout,
		MasterReconnection:  r.MasterReconnection,
		DelayedRetry:        r.DelayedRetry,
		DelayedRetryTimeout: r.DelayedRetryTimeout,
		TransactionReplay:   r.TransactionReplay,
		TrxMaxSize:          r.TrxMaxSize,
		TrxMaxAttempts:      r.TrxMaxAttempts,
		TrxTimeout:          r.TrxTimeout,
		TrxRetryOnDeadlock:  r.TrxRetryOnDeadlock,
		TrxRetryOnMismatch:  r.TrxRetryOnMismatch,
		OptimisticTrx:       r.OptimisticTrx,
		ReusePS:             r.ReusePS,
		SQLMode:             sqlMode,
	}
}

// Targets converts the static server list into topology.Prober targets.
func (c *Config) Targets() []topology.Target {
	out := make([]topology.Target, 0, len(c.Servers))
	for _, s := range c.Servers {
		role := topology.Slave
		if s.Role == "master" {
			role = topology.Master
		}
		out = append(out, topology.Target{
			ID:      topology.ServerID(s.ID),
			Address: s.Address,
			Role:    role,
			Rank:    s.Rank,
			Weight:  s.Weight,
		})
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unresolvable references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env-var substitution,
// validates it, and applies defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.MySQLPort == 0 {
		cfg.Listen.MySQLPort = 3306
	}
	if cfg.Listen.MySQLBind == "" {
		cfg.Listen.MySQLBind = "0.0.0.0"
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Worker.ThreadCount == 0 {
		cfg.Worker.ThreadCount = 4
	}
	if cfg.Worker.MaxEvents == 0 {
		cfg.Worker.MaxEvents = 256
	}
	if cfg.Classifier.CacheMaxBytes == 0 {
		cfg.Classifier.CacheMaxBytes = 4 << 20 // 4 MiB per worker
	}
	if cfg.Router.MaxSlaveConnections == 0 {
		cfg.Router.MaxSlaveConnections = 255
	}
	if cfg.Router.SlaveConnections == 0 {
		cfg.Router.SlaveConnections = 1
	}
	if cfg.Router.CausalReadsTimeout == 0 {
		cfg.Router.CausalReadsTimeout = 10 * time.Second
	}
	if cfg.Router.DelayedRetryTimeout == 0 {
		cfg.Router.DelayedRetryTimeout = 10 * time.Second
	}
	if cfg.Router.TrxMaxSize == 0 {
		cfg.Router.TrxMaxSize = 1 << 20 // 1 MiB
	}
	if cfg.Router.TrxMaxAttempts == 0 {
		cfg.Router.TrxMaxAttempts = 5
	}
	if cfg.Router.TrxTimeout == 0 {
		cfg.Router.TrxTimeout = 30 * time.Second
	}
	if cfg.Pool.PersistPoolMax == 0 {
		cfg.Pool.PersistPoolMax = 10
	}
	if cfg.Pool.PersistMaxTime == 0 {
		cfg.Pool.PersistMaxTime = 5 * time.Minute
	}
	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = 100
	}
}

func validate(cfg *Config) error {
	for _, s := range cfg.Servers {
		if s.ID == "" {
			return fmt.Errorf("servers: an entry is missing id")
		}
		if s.Address == "" {
			return fmt.Errorf("server %q: address is required", s.ID)
		}
		if s.Role != "" && s.Role != "master" && s.Role != "slave" {
			return fmt.Errorf("server %q: unsupported role %q (must be master or slave)", s.ID, s.Role)
		}
	}
	if cfg.Worker.ThreadCount < 0 {
		return fmt.Errorf("worker.thread_count must be >= 0")
	}
	if cfg.Router.TrxMaxAttempts < 0 {
		return fmt.Errorf("router.trx_max_attempts must be >= 0")
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with
// the newly parsed config, debounced against rapid successive writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher and starts it hot-
// reloading in the background.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "path", cw.path, "error", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
