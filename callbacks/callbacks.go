// Package callbacks maps command names to reply-transform functions.
// Commands like INFO or CLIENT LIST reply with a bulk string or a flat
// array that is only useful to a caller once reshaped into a map or a
// list of maps; Registry holds that reshaping logic so it can be
// overridden per command without touching the Session call path.
package callbacks

import (
	"strconv"
	"strings"
	"sync"

	"github.com/bsbodden/goradix/rediserr"
	"github.com/bsbodden/goradix/resp"
)

// Func transforms a decoded reply into a caller-facing value.
type Func func(resp.Value) (any, error)

// Registry looks up a Func by command name, case-insensitively and
// across multi-word commands (CLIENT LIST, CONFIG GET, ACL LOG).
// Custom registrations shadow the built-in defaults; Reset removes
// only the customs, leaving the defaults reachable again.
type Registry struct {
	mu       sync.RWMutex
	defaults map[string]Func
	customs  map[string]Func
}

// New returns a Registry with the built-in defaults loaded and no
// customs.
func New() *Registry {
	return &Registry{defaults: buildDefaults(), customs: make(map[string]Func)}
}

func normalize(parts ...string) string {
	upper := make([]string, len(parts))
	for i, p := range parts {
		upper[i] = strings.ToUpper(p)
	}
	return strings.Join(upper, " ")
}

// Register installs fn as a custom handler for the given command
// name parts (e.g. Register(fn, "CLIENT", "LIST")), overriding any
// default for the same name.
func (r *Registry) Register(fn Func, parts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customs[normalize(parts...)] = fn
}

// Lookup returns the handler for the given command name parts,
// preferring a custom registration over a default one.
func (r *Registry) Lookup(parts ...string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name := normalize(parts...)
	if fn, ok := r.customs[name]; ok {
		return fn, true
	}
	fn, ok := r.defaults[name]
	return fn, ok
}

// Transform runs the registered handler for parts against v. If no
// handler is registered, v is returned unchanged.
func (r *Registry) Transform(v resp.Value, parts ...string) (any, error) {
	fn, ok := r.Lookup(parts...)
	if !ok {
		return v, nil
	}
	return fn(v)
}

// Reset removes all custom registrations; defaults are untouched.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customs = make(map[string]Func)
}

// LoadDefaults copies the built-in defaults into the custom slots so
// individual commands can be further overridden without losing the
// rest.
func (r *Registry) LoadDefaults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, fn := range r.defaults {
		r.customs[name] = fn
	}
}

func buildDefaults() map[string]Func {
	return map[string]Func{
		"INFO":         transformInfo,
		"CLIENT LIST":  transformClientList,
		"DEBUG OBJECT": transformDebugObject,
		"MEMORY STATS": transformMemoryStats,
		"CONFIG GET":   transformConfigGet,
		"ACL LOG":      transformACLLog,
	}
}

// transformInfo groups INFO's "# Section" / "key:value" lines into a
// section-keyed map, coercing numeric values along the way.
func transformInfo(v resp.Value) (any, error) {
	text := valueToString(v)
	sections := make(map[string]map[string]any)
	current := "default"
	sections[current] = make(map[string]any)
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			current = strings.TrimSpace(strings.TrimPrefix(line, "#"))
			if _, ok := sections[current]; !ok {
				sections[current] = make(map[string]any)
			}
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		sections[current][key] = coerceNumericString(val)
	}
	return sections, nil
}

func coerceNumericString(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// transformClientList splits CLIENT LIST's one-line-per-client,
// space-separated key=value reply into a field map per client.
func transformClientList(v resp.Value) (any, error) {
	text := valueToString(v)
	out := make([]map[string]string, 0)
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		m := make(map[string]string, len(fields))
		for _, f := range fields {
			k, val, ok := strings.Cut(f, "=")
			if !ok {
				continue
			}
			m[k] = val
		}
		out = append(out, m)
	}
	return out, nil
}

// transformDebugObject splits DEBUG OBJECT's space-separated
// key:value reply into a field map.
func transformDebugObject(v resp.Value) (any, error) {
	fields := strings.Fields(valueToString(v))
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		k, val, ok := strings.Cut(f, ":")
		if !ok {
			m[f] = ""
			continue
		}
		m[k] = val
	}
	return m, nil
}

// transformMemoryStats turns MEMORY STATS's flat key/value array into
// a map, keeping each value's native RESP type.
func transformMemoryStats(v resp.Value) (any, error) {
	if v.Type != resp.Array {
		return nil, &rediserr.ProtocolError{Msg: "MEMORY STATS reply is not an array"}
	}
	return flatArrayToMap(v.Elems), nil
}

// transformConfigGet turns CONFIG GET's flat key/value array into a
// string map; config values are always bulk strings on the wire.
func transformConfigGet(v resp.Value) (any, error) {
	if v.Type != resp.Array {
		return nil, &rediserr.ProtocolError{Msg: "CONFIG GET reply is not an array"}
	}
	m := make(map[string]string, len(v.Elems)/2)
	for i := 0; i+1 < len(v.Elems); i += 2 {
		m[valueToString(v.Elems[i])] = valueToString(v.Elems[i+1])
	}
	return m, nil
}

// transformACLLog turns ACL LOG's array of flat key/value arrays into
// a list of field maps, one per log entry.
func transformACLLog(v resp.Value) (any, error) {
	if v.Type != resp.Array {
		return nil, &rediserr.ProtocolError{Msg: "ACL LOG reply is not an array"}
	}
	out := make([]map[string]any, 0, len(v.Elems))
	for _, row := range v.Elems {
		if row.Type != resp.Array {
			continue
		}
		out = append(out, flatArrayToMap(row.Elems))
	}
	return out, nil
}

func flatArrayToMap(elems []resp.Value) map[string]any {
	m := make(map[string]any, len(elems)/2)
	for i := 0; i+1 < len(elems); i += 2 {
		m[valueToString(elems[i])] = coerceAny(elems[i+1])
	}
	return m
}

func valueToString(v resp.Value) string {
	switch v.Type {
	case resp.SimpleString, resp.BulkString, resp.BigNumber, resp.VerbatimString:
		return string(v.Str)
	case resp.Integer:
		return strconv.FormatInt(v.Int, 10)
	case resp.Double:
		return strconv.FormatFloat(v.Dbl, 'g', -1, 64)
	case resp.Boolean:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func coerceAny(v resp.Value) any {
	if v.IsNil() {
		return nil
	}
	switch v.Type {
	case resp.Integer:
		return v.Int
	case resp.Double:
		return v.Dbl
	case resp.Boolean:
		return v.Bool
	default:
		return valueToString(v)
	}
}
