// Package connector defines the connector abstraction and the
// process-wide registry mapping "type:label" keys to live connector
// instances. Concrete connector types register themselves from their
// package init, mirroring database/sql driver registration.
package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// NegationPrefix marks a key-selection filter value as "everything
// except". Identity components themselves may never begin with it.
const NegationPrefix = "_"

// Connector is a live connection to a data source or instance store.
type Connector interface {
	// Keys returns the "type:label" identity.
	Keys() string
	Type() string
	Label() string

	// Test probes liveness: a dialect test query for SQL connectors,
	// a login round trip for API connectors.
	Test(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// Factory builds a connector of one type from its label and attribute
// map.
type Factory func(label string, attrs map[string]interface{}) (Connector, error)

var (
	mu        sync.Mutex
	factories = map[string]Factory{}
	instances = map[string]Connector{}

	// attrSource resolves "type:label" to configured attributes.
	// Wired to config.Config.ConnectorAttributes at startup.
	attrSource func(keys string) (map[string]interface{}, bool)
)

// Register installs a factory for a connector type. It panics when the
// type is already taken, so a duplicate registration fails loudly at
// startup.
func Register(typ string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[typ]; dup {
		panic(fmt.Sprintf("connector: Register called twice for type %q", typ))
	}
	factories[typ] = f
}

// Types returns the registered connector types, sorted.
func Types() []string {
	mu.Lock()
	defer mu.Unlock()
	out := make([]string, 0, len(factories))
	for typ := range factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// SetAttributeSource wires the registry to the loaded configuration.
func SetAttributeSource(src func(keys string) (map[string]interface{}, bool)) {
	mu.Lock()
	defer mu.Unlock()
	attrSource = src
	// Configuration changed; cached instances may be stale.
	instances = map[string]Connector{}
}

// ParseKeys splits "type:label" and validates both halves.
func ParseKeys(keys string) (typ, label string, err error) {
	parts := strings.SplitN(keys, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("connector keys %q must be of the form type:label", keys)
	}
	if strings.HasPrefix(parts[0], NegationPrefix) || strings.HasPrefix(parts[1], NegationPrefix) {
		return "", "", fmt.Errorf("connector keys %q may not begin with %q", keys, NegationPrefix)
	}
	return parts[0], parts[1], nil
}

// Get returns the memoized connector for "type:label", constructing it
// from configured attributes on first use.
func Get(keys string) (Connector, error) {
	mu.Lock()
	defer mu.Unlock()
	if c, ok := instances[keys]; ok {
		return c, nil
	}
	typ, label, err := ParseKeys(keys)
	if err != nil {
		return nil, err
	}
	if attrSource == nil {
		return nil, fmt.Errorf("connector registry has no attribute source configured")
	}
	attrs, ok := attrSource(keys)
	if !ok {
		return nil, fmt.Errorf("no connector %q in configuration", keys)
	}
	c, err := makeLocked(typ, label, attrs)
	if err != nil {
		return nil, err
	}
	instances[keys] = c
	return c, nil
}

// Make constructs a connector from explicit attributes, bypassing the
// configuration. The instance is memoized under its keys so later Get
// calls return the same connector.
func Make(typ, label string, attrs map[string]interface{}) (Connector, error) {
	mu.Lock()
	defer mu.Unlock()
	keys := typ + ":" + label
	if c, ok := instances[keys]; ok {
		return c, nil
	}
	c, err := makeLocked(typ, label, attrs)
	if err != nil {
		return nil, err
	}
	instances[keys] = c
	return c, nil
}

func makeLocked(typ, label string, attrs map[string]interface{}) (Connector, error) {
	f, ok := factories[typ]
	if !ok {
		return nil, fmt.Errorf("unknown connector type %q (registered: %s)",
			typ, strings.Join(typesLocked(), ", "))
	}
	c, err := f(label, attrs)
	if err != nil {
		return nil, fmt.Errorf("building connector %s:%s: %w", typ, label, err)
	}
	return c, nil
}

func typesLocked() []string {
	out := make([]string, 0, len(factories))
	for typ := range factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// StringAttr reads a string attribute with a default.
func StringAttr(attrs map[string]interface{}, key, def string) string {
	if v, ok := attrs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return def
}

// IntAttr reads an integer attribute with a default. YAML decodes
// numbers as int; JSON as float64; both are accepted.
func IntAttr(attrs map[string]interface{}, key string, def int) int {
	switch v := attrs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
