// Package registry holds the process-wide, hot-reloadable map from
// configuration name to ConfigEntry. Reads observe an atomically swapped
// snapshot; writes (reload, POST /raw/configs, DELETE /raw/configs/:name)
// build a new snapshot and publish it with a single pointer swap, so no
// reader ever sees a half-updated map.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"confguard/internal/atomicwriter"
	"confguard/internal/model"
)

// Registry is the atomically-swapped, process-wide config-entry table.
type Registry struct {
	snapshot atomic.Pointer[map[string]*model.ConfigEntry]

	path string // configs.json path, for persistence and plain reload

	mu         sync.Mutex // serialises writers (persist-then-swap)
	rawEntries map[string]json.RawMessage
}

// New creates an empty registry bound to a configs file path (used by
// Reload and by ReplaceFromJSON's persistence step).
func New(path string) *Registry {
	r := &Registry{path: path, rawEntries: map[string]json.RawMessage{}}
	empty := map[string]*model.ConfigEntry{}
	r.snapshot.Store(&empty)
	return r
}

// LoadFromFile reads the configs document at the registry's path and
// publishes it as the initial snapshot. A missing file is treated as an
// empty table (a fresh install has no configs yet).
func (r *Registry) LoadFromFile() (skipped []string, err error) {
	data, readErr := os.ReadFile(r.path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", r.path, readErr)
	}
	return r.publish(data)
}

// publish decodes data, swaps in the resulting table, and records the raw
// per-entry bytes for later re-persistence on Delete. It does not itself
// write to disk.
func (r *Registry) publish(data []byte) (skipped []string, err error) {
	table, raw, skippedNames, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.rawEntries = raw
	r.mu.Unlock()
	r.snapshot.Store(&table)
	return skippedNames, nil
}

// Reload re-reads the configs file from disk and republishes it. Disk is
// the source of truth on a plain reload: no write-back happens here, so a
// hand-edited file on disk is picked up verbatim.
func (r *Registry) Reload() (skipped []string, err error) {
	data, readErr := os.ReadFile(r.path)
	if readErr != nil {
		return nil, fmt.Errorf("read %s: %w", r.path, readErr)
	}
	return r.publish(data)
}

// ReplaceFromJSON implements the POST /raw/configs path: the body must be
// a JSON object (YAML is accepted only for on-disk hand-edited files, not
// over the wire) or the call is rejected outright with no disk write. A
// valid document is persisted to disk verbatim, including entries with
// invalid names, and then republished with those entries excluded from the
// in-memory snapshot — the Open Question decision recorded in DESIGN.md.
func (r *Registry) ReplaceFromJSON(raw []byte) (skipped []string, err error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %w", err)
	}

	table, rawEntries, skippedNames, err := LoadFromBytes(raw)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persistLocked(probe); err != nil {
		return nil, err
	}
	r.rawEntries = rawEntries
	r.snapshot.Store(&table)
	return skippedNames, nil
}

// Delete removes name from both the in-memory snapshot and the persisted
// configs file. It reports whether the entry was present.
func (r *Registry) Delete(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rawEntries[name]; !ok {
		return false, nil
	}
	remaining := make(map[string]json.RawMessage, len(r.rawEntries))
	for n, v := range r.rawEntries {
		if n != name {
			remaining[n] = v
		}
	}
	if err := r.persistLocked(remaining); err != nil {
		return false, err
	}

	table := make(map[string]*model.ConfigEntry)
	for n, e := range *r.snapshot.Load() {
		if n != name {
			table[n] = e
		}
	}
	r.rawEntries = remaining
	r.snapshot.Store(&table)
	return true, nil
}

// RawDocument returns the currently persisted configs document, re-marshaled
// from the last-known raw entries, for GET /raw/configs.
func (r *Registry) RawDocument() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.MarshalIndent(r.rawEntries, "", "  ")
}

// persistLocked writes doc to the registry's configs file atomically. The
// caller must hold r.mu.
func (r *Registry) persistLocked(doc map[string]json.RawMessage) error {
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode configs document: %w", err)
	}
	var persistErr error
	retryErr := retry.Do(
		func() error {
			_, persistErr = atomicwriter.Write(r.path, encoded, 0o640)
			return persistErr
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
	)
	if retryErr != nil {
		return fmt.Errorf("persist %s: %w", r.path, retryErr)
	}
	return nil
}

// Watch starts an fsnotify watch on the configs file's directory and calls
// Reload whenever the file is written or replaced, logging (rather than
// propagating) reload failures so a transient bad edit never kills the
// watcher.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(r.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				skipped, err := r.Reload()
				if err != nil {
					log.Printf("[WARN] registry: reload after filesystem change failed: %v", err)
					continue
				}
				if len(skipped) > 0 {
					log.Printf("[WARN] registry: reload skipped invalid entries: %v", skipped)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] registry: watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Get returns the entry for name, if present in the current snapshot.
func (r *Registry) Get(name string) (*model.ConfigEntry, bool) {
	table := *r.snapshot.Load()
	e, ok := table[name]
	return e, ok
}

// List returns every entry in the current snapshot, sorted by name.
func (r *Registry) List() []*model.ConfigEntry {
	table := *r.snapshot.Load()
	names := make([]string, 0, len(table))
	for n := range table {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*model.ConfigEntry, 0, len(names))
	for _, n := range names {
		out = append(out, table[n])
	}
	return out
}

// LoadFromBytes parses a configs document (JSON, or YAML as a convenience
// for hand-edited files), rejects invalid documents, and skips entries
// whose name contains "/", "\", or "..". It returns the accepted table, the
// raw per-entry JSON (for later re-persistence), and the names skipped for
// invariant violations.
func LoadFromBytes(data []byte) (table map[string]*model.ConfigEntry, raw map[string]json.RawMessage, skipped []string, err error) {
	rawTable, err := decodeTable(data)
	if err != nil {
		return nil, nil, nil, err
	}

	table = make(map[string]*model.ConfigEntry, len(rawTable))
	raw = make(map[string]json.RawMessage, len(rawTable))

	for name, entryRaw := range rawTable {
		encoded, mErr := json.Marshal(entryRaw)
		if mErr != nil {
			return nil, nil, nil, fmt.Errorf("re-encode entry %q: %w", name, mErr)
		}
		raw[name] = json.RawMessage(encoded)

		if !model.ValidEntryName(name) {
			skipped = append(skipped, name)
			continue
		}

		entry, buildErr := buildEntry(name, entryRaw)
		if buildErr != nil {
			log.Printf("[WARN] registry: skipping entry %q: %v", name, buildErr)
			skipped = append(skipped, name)
			continue
		}
		table[name] = entry
	}
	return table, raw, skipped, nil
}

// decodeTable accepts either a JSON or a YAML document at the top level,
// detected by trying JSON first and falling back to YAML — content, not
// extension, decides the format.
func decodeTable(data []byte) (map[string]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return map[string]map[string]any{}, nil
	}

	var table map[string]map[string]any
	jsonErr := json.Unmarshal(trimmed, &table)
	if jsonErr == nil {
		return table, nil
	}

	var yamlTable map[string]map[string]any
	if yamlErr := yaml.Unmarshal(trimmed, &yamlTable); yamlErr == nil {
		return normalizeYAMLMaps(yamlTable), nil
	}

	return nil, fmt.Errorf("invalid configs document (not valid JSON or YAML): %w", jsonErr)
}

// normalizeYAMLMaps converts any nested map[string]interface{} produced by
// yaml.v3 into map[string]any so that deriveActions' type switches — which
// only need to recognise JSON-shaped map[string]any — see one consistent
// representation regardless of source format.
func normalizeYAMLMaps(in map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeAnyMap(v)
	}
	return out
}

func normalizeAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeAnyValue(v)
	}
	return out
}

func normalizeAnyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeAnyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeAnyValue(e)
		}
		return out
	default:
		return v
	}
}

func buildEntry(name string, raw map[string]any) (*model.ConfigEntry, error) {
	entry := &model.ConfigEntry{Name: name}
	if v, ok := raw["path"].(string); ok {
		entry.Path = v
	} else {
		return nil, fmt.Errorf("missing or non-string \"path\"")
	}
	if v, ok := raw["service"].(string); ok {
		entry.Service = v
	} else {
		return nil, fmt.Errorf("missing or non-string \"service\"")
	}
	if v, ok := raw["category"].(string); ok {
		entry.Category = v
	}
	if v, ok := raw["user"].(string); ok {
		entry.User = v
	}
	if v, ok := raw["group"].(string); ok {
		entry.Group = v
	}
	if v, ok := raw["mode"].(string); ok {
		entry.Mode = v
	}
	if v, ok := raw["apply_meta"].(bool); ok {
		entry.ApplyMeta = &v
	}
	if v, ok := raw["status"]; ok {
		if list := asStringList(v); list != nil {
			entry.StatusArgs = list
		}
	}

	entry.Actions = deriveActions(raw)
	return entry, nil
}

// deriveActions resolves an entry's action tokens by trying each of the
// schema shapes an entry may use, in precedence order:
//
//	(a) actions: { token → [args] }
//	(b) commands: { token → [args] }
//	(c) command_args: { token → [args] }, optionally restricted to the
//	    tokens listed in commands: [ token… ] (the list's order is not kept)
//	(d) commands: [ … ] containing the literal "run"
//
// the first applicable shape wins; ambiguity between an overloaded
// "commands" key used as a map versus a list is resolved silently by this
// order.
func deriveActions(raw map[string]any) map[string][]string {
	if v, ok := raw["actions"]; ok {
		if m, ok := asActionMap(v); ok {
			return m
		}
	}
	if v, ok := raw["commands"]; ok {
		if m, ok := asActionMap(v); ok {
			return m
		}
	}
	if v, ok := raw["command_args"]; ok {
		if m, ok := asActionMap(v); ok {
			if order, ok := raw["commands"]; ok {
				if tokens := asStringList(order); tokens != nil {
					return restrictToOrder(m, tokens)
				}
			}
			return m
		}
	}
	if v, ok := raw["commands"]; ok {
		if list := asStringList(v); list != nil {
			for _, tok := range list {
				if tok == "run" {
					return map[string][]string{"run": {}}
				}
			}
		}
	}
	return map[string][]string{}
}

func restrictToOrder(m map[string][]string, order []string) map[string][]string {
	out := make(map[string][]string, len(order))
	for _, tok := range order {
		if args, ok := m[tok]; ok {
			out[tok] = args
		}
	}
	return out
}

// asActionMap reports whether v is a JSON/YAML object whose values are each
// a list of strings (or empty/absent, meaning no extra args), returning the
// normalised map[string][]string and true. Any other shape (e.g. an array,
// used for schema (d)) returns ok=false so the caller falls through to the
// next precedence level.
func asActionMap(v any) (map[string][]string, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string][]string, len(obj))
	for token, argsRaw := range obj {
		if argsRaw == nil {
			out[token] = []string{}
			continue
		}
		args := asStringList(argsRaw)
		if args == nil {
			args = []string{}
		}
		out[token] = args
	}
	return out, true
}

func asStringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
