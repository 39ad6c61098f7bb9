// Package config loads and watches the sectioned runtime configuration.
package config

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// Section names recognized in the config file. Unknown sections are kept
// and retrievable but nothing consumes them.
const (
	SectionDefault   = "default"
	SectionAutoPilot = "autopilot"
	SectionCamera    = "camera"
	SectionMotor     = "motor"
	SectionPCA9685   = "pca9685"
	SectionMQTT      = "mqtt"
	SectionConsole   = "console"
)

// An AttributeMap is a convenience wrapper for pulling out typed
// information from a section.
type AttributeMap map[string]interface{}

// Has returns whether the key exists.
func (am AttributeMap) Has(name string) bool {
	_, ok := am[name]
	return ok
}

// Float64 returns a float attribute or the default.
func (am AttributeMap) Float64(name string, def float64) float64 {
	if v, ok := am[name]; ok {
		if f, err := cast.ToFloat64E(v); err == nil {
			return f
		}
	}
	return def
}

// Int returns an integer attribute or the default.
func (am AttributeMap) Int(name string, def int) int {
	if v, ok := am[name]; ok {
		if i, err := cast.ToIntE(v); err == nil {
			return i
		}
	}
	return def
}

// Bool returns a boolean attribute or the default.
func (am AttributeMap) Bool(name string, def bool) bool {
	if v, ok := am[name]; ok {
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return def
}

// String returns a string attribute or the default.
func (am AttributeMap) String(name, def string) string {
	if v, ok := am[name]; ok {
		if s, err := cast.ToStringE(v); err == nil && s != "" {
			return s
		}
	}
	return def
}

// Config holds the sections of the configuration file; Set and Replace
// update it in place. A Config with no sections is valid and yields
// defaults everywhere.
type Config struct {
	mu       sync.RWMutex
	sections map[string]AttributeMap
}

// New returns an empty Config.
func New() *Config {
	return &Config{sections: map[string]AttributeMap{}}
}

// FromMap builds a Config from already-parsed sections. Used by Read and
// by tests.
func FromMap(sections map[string]AttributeMap) *Config {
	cfg := New()
	for name, attrs := range sections {
		dup := AttributeMap{}
		for k, v := range attrs {
			dup[k] = v
		}
		cfg.sections[name] = dup
	}
	return cfg
}

// Read loads a config file, expanding ${ENV} references before parsing.
func Read(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", path)
	}
	expanded, err := envsubst.Bytes(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot expand config %q", path)
	}

	var sections map[string]AttributeMap
	if err := json.Unmarshal(expanded, &sections); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", path)
	}
	return FromMap(sections), nil
}

// Section returns the named section, never nil.
func (c *Config) Section(name string) AttributeMap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if am, ok := c.sections[name]; ok {
		return am
	}
	return AttributeMap{}
}

// Set stores a single attribute, creating the section if needed.
func (c *Config) Set(section, key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	am, ok := c.sections[section]
	if !ok {
		am = AttributeMap{}
		c.sections[section] = am
	}
	am[key] = value
}

// Replace swaps in the sections of another Config. Watcher reloads call
// this so long-lived components holding the pointer see fresh values.
func (c *Config) Replace(next *Config) {
	next.mu.RLock()
	sections := map[string]AttributeMap{}
	for name, attrs := range next.sections {
		dup := AttributeMap{}
		for k, v := range attrs {
			dup[k] = v
		}
		sections[name] = dup
	}
	next.mu.RUnlock()

	c.mu.Lock()
	c.sections = sections
	c.mu.Unlock()
}
