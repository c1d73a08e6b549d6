package query

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// AliasResolver resolves a bare object leaf name (one carrying no
// "<inode><DELIM>" prefix) to a full archive path, for legacy paths that
// predate Tagsistant's inode-prefixed naming. Absence of an entry is not
// a parser error (spec.md §4.C) — it is surfaced by the resolver as
// ENOENT.
//
// Population policy is explicitly out of scope (spec.md §9 Open
// Question (c)); this package only defines the contract and a default
// file-backed implementation.
type AliasResolver interface {
	Resolve(name string) (fullPath string, ok bool)
}

// StaticAliasMap is a read-mostly, initialize-once alias table. Once
// LoadAliasFile returns it is treated as immutable (spec.md §5 "Shared
// resources"); callers must not mutate the map concurrently with
// lookups from parser goroutines.
type StaticAliasMap struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewStaticAliasMap returns an empty alias map.
func NewStaticAliasMap() *StaticAliasMap {
	return &StaticAliasMap{entries: make(map[string]string)}
}

// Resolve implements AliasResolver.
func (m *StaticAliasMap) Resolve(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.entries[name]
	return p, ok
}

// Set registers or overwrites one alias. Intended for use only while
// building the map at startup, before it is handed to a Parser.
func (m *StaticAliasMap) Set(name, fullPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = fullPath
}

// LoadAliasFile reads a YAML document of the form `{name: full_path}`
// into a new StaticAliasMap.
func LoadAliasFile(path string) (*StaticAliasMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("query: reading alias file: %w", err)
	}
	raw := make(map[string]string)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("query: parsing alias file: %w", err)
	}
	m := NewStaticAliasMap()
	for k, v := range raw {
		m.Set(k, v)
	}
	return m, nil
}

// noAliases is used by parsers that were not given an AliasResolver: it
// resolves nothing, which is always a valid (if unhelpful) answer.
type noAliases struct{}

func (noAliases) Resolve(string) (string, bool) { return "", false }
