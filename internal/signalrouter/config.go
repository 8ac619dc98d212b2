package signalrouter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
)

// Route connects a Filter to the ordered Actions it triggers, mirroring
// the persisted config's route documents.
type Route struct {
	Name        string
	Description string
	Filter      Filter
	Actions     []Action
	Enabled     bool
}

// Config is a named, persisted set of routes, mirroring
// the on-disk signals/<name>.json documents.
type Config struct {
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     string
	Routes      []Route
}

// DefaultRoutes returns the always-on defaults: log every notification,
// persist every signal to history, and persist every property change under
// a route of its own. The store routes filter by signal type only: the
// first takes every type (indications and property changes included), and
// the second is not narrowed to the Connected/ServicesResolved properties.
func DefaultRoutes() []Route {
	return []Route{
		{
			Name:        "log-notifications",
			Description: "log every GATT notification/indication",
			Enabled:     true,
			Filter:      Filter{SignalType: SignalNotification},
			Actions:     []Action{{Type: ActionLog, Name: "log-notifications"}},
		},
		{
			Name:        "store-read-write-notify",
			Description: "persist every signal, of any type, to char_history",
			Enabled:     true,
			Filter:      Filter{SignalType: SignalAny},
			Actions:     []Action{{Type: ActionDBStore, Name: "store-read-write-notify"}},
		},
		{
			Name:        "store-connection-state",
			Description: "persist every property change (Connected/ServicesResolved included)",
			Enabled:     true,
			Filter:      Filter{SignalType: SignalPropertyChange},
			Actions:     []Action{{Type: ActionDBStore, Name: "store-connection-state"}},
		},
	}
}

// NewConfig builds an empty named config with the default
// routes pre-populated.
func NewConfig(name, description string) *Config {
	now := time.Now()
	return &Config{
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     "1.0",
		Routes:      DefaultRoutes(),
	}
}

// AddRoute appends route and bumps UpdatedAt.
func (c *Config) AddRoute(r Route) {
	c.Routes = append(c.Routes, r)
	c.UpdatedAt = time.Now()
}

// RemoveRoute deletes the route named name, reporting whether one existed.
func (c *Config) RemoveRoute(name string) bool {
	for i, r := range c.Routes {
		if r.Name == name {
			c.Routes = append(c.Routes[:i], c.Routes[i+1:]...)
			c.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// jsonConfig is Config's on-disk shape; Filter's compiled regexes are
// dropped and Action parameter maps serialize directly.
type jsonConfig struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     string    `json:"version"`
	Routes      []struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Enabled     bool     `json:"enabled"`
		Filter      Filter   `json:"filter"`
		Actions     []Action `json:"actions"`
	} `json:"routes"`
}

func configPath(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// SaveConfig persists config as <dir>/<name>.json, the JSON-file
// half of the load/save pair.
func SaveConfig(dir string, config *Config) error {
	var jc jsonConfig
	jc.Name = config.Name
	jc.Description = config.Description
	jc.CreatedAt = config.CreatedAt
	jc.UpdatedAt = config.UpdatedAt
	jc.Version = config.Version
	for _, r := range config.Routes {
		jc.Routes = append(jc.Routes, struct {
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Enabled     bool     `json:"enabled"`
			Filter      Filter   `json:"filter"`
			Actions     []Action `json:"actions"`
		}{r.Name, r.Description, r.Enabled, r.Filter, r.Actions})
	}

	b, err := json.MarshalIndent(jc, "", "  ")
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindUnknown, "marshal signal config", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return bleeperr.Wrap(bleeperr.KindUnknown, "signal config dir", err)
	}
	if err := os.WriteFile(configPath(dir, config.Name), b, 0o600); err != nil {
		return bleeperr.Wrap(bleeperr.KindUnknown, "write signal config", err)
	}
	return nil
}

// LoadConfig reads <dir>/<name>.json, compiling every route's Filter.
func LoadConfig(dir, name string) (*Config, error) {
	b, err := os.ReadFile(configPath(dir, name))
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindUnknown, "read signal config", err)
	}
	var jc jsonConfig
	if err := json.Unmarshal(b, &jc); err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindUnknown, "decode signal config", err)
	}

	cfg := &Config{
		Name:        jc.Name,
		Description: jc.Description,
		CreatedAt:   jc.CreatedAt,
		UpdatedAt:   jc.UpdatedAt,
		Version:     jc.Version,
	}
	for _, r := range jc.Routes {
		f := r.Filter
		if err := f.Compile(); err != nil {
			return nil, bleeperr.Wrap(bleeperr.KindUnknown, fmt.Sprintf("compile filter for route %q", r.Name), err)
		}
		cfg.Routes = append(cfg.Routes, Route{
			Name:        r.Name,
			Description: r.Description,
			Enabled:     r.Enabled,
			Filter:      f,
			Actions:     r.Actions,
		})
	}
	return cfg, nil
}

// RenameConfig moves <dir>/<oldName>.json to <dir>/<newName>.json,
// updating the Name field inside it.
func RenameConfig(dir, oldName, newName string) error {
	cfg, err := LoadConfig(dir, oldName)
	if err != nil {
		return err
	}
	cfg.Name = newName
	cfg.UpdatedAt = time.Now()
	if err := SaveConfig(dir, cfg); err != nil {
		return err
	}
	return DeleteConfig(dir, oldName)
}

// DeleteConfig removes <dir>/<name>.json.
func DeleteConfig(dir, name string) error {
	if err := os.Remove(configPath(dir, name)); err != nil && !os.IsNotExist(err) {
		return bleeperr.Wrap(bleeperr.KindUnknown, "delete signal config", err)
	}
	return nil
}

// ListConfigs returns the names of every persisted config under dir.
func ListConfigs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bleeperr.Wrap(bleeperr.KindUnknown, "list signal configs", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name()[:len(e.Name())-len(".json")])
		}
	}
	return names, nil
}
