// Package config provides the explicit core Context object threaded
// through the orchestrators: a constructed value carrying every shared
// resource the rest of the module needs (the IPC pool, reliability
// components, the per-user file layout) so no package reaches for a
// process-wide singleton.
package config

import (
	"os"
	"path/filepath"

	"github.com/Mauddib28/bleep-tool/internal/bleeplog"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
	"github.com/Mauddib28/bleep-tool/internal/reliability"
)

// Layout resolves the per-user configuration root and its subdirectories.
type Layout struct {
	Root    string
	DBPath  string
	AoIDir  string
	Reports string
	Bonds   string
	Logs    string
	Signals string
}

// NewLayout resolves $HOME/.bleep (default), honoring BLEEP_DB_PATH for
// the observation database path specifically.
func NewLayout() (*Layout, error) {
	root := os.Getenv("BLEEP_HOME")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		root = filepath.Join(home, ".bleep")
	}

	dbPath := os.Getenv("BLEEP_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(root, "observations.db")
	}

	l := &Layout{
		Root:    root,
		DBPath:  dbPath,
		AoIDir:  filepath.Join(root, "aoi"),
		Reports: filepath.Join(root, "reports"),
		Bonds:   filepath.Join(root, "bonds"),
		Logs:    filepath.Join(root, "logs"),
		Signals: filepath.Join(root, "signals"),
	}
	for _, d := range []string{l.Root, l.AoIDir, l.Reports, l.Bonds, l.Logs, l.Signals} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// AdapterName is read from BLEEP_ADAPTER, defaulting to "hci0".
func AdapterName() string {
	if v := os.Getenv("BLEEP_ADAPTER"); v != "" {
		return v
	}
	return "hci0"
}

// AdapterPath returns the BlueZ adapter object path for AdapterName().
func AdapterPath() string {
	return "/org/bluez/" + AdapterName()
}

// CTFTarget reads BLE_CTF_MAC, used by the CTF orchestrator mode.
func CTFTarget() string {
	return os.Getenv("BLE_CTF_MAC")
}

// LogLevel reads BLEEP_LOG_LEVEL, defaulting to "info".
func LogLevel() string {
	if v := os.Getenv("BLEEP_LOG_LEVEL"); v != "" {
		return v
	}
	return "info"
}

// Context is the single explicit object threaded through orchestrators; it
// owns every shared, process-wide resource.
type Context struct {
	Layout  *Layout
	Pool    *ipc.Pool
	Metrics *reliability.Metrics
	Health  *reliability.HealthMonitor
	Logs    *bleeplog.Set
}

// NewContext wires the IPC pool, metrics and health monitor together. The
// observation store and other heavier components are constructed by their
// own packages and held by the caller (cmd/bleep) outside the Context, to
// avoid an import cycle between config and store.
func NewContext() (*Context, error) {
	layout, err := NewLayout()
	if err != nil {
		return nil, err
	}
	pool := ipc.NewPool(4)
	metrics := reliability.NewMetrics()
	health := reliability.NewHealthMonitor(pool, metrics)
	logs, err := bleeplog.NewSet(layout.Logs, bleeplog.ParseLevel(LogLevel()))
	if err != nil {
		return nil, err
	}

	return &Context{
		Layout:  layout,
		Pool:    pool,
		Metrics: metrics,
		Health:  health,
		Logs:    logs,
	}, nil
}

// Close releases every resource owned by the Context.
func (c *Context) Close() {
	c.Health.Stop()
	c.Pool.Close()
	c.Logs.Close()
}
