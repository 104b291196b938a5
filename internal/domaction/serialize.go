package domaction

import (
	"fmt"
	"reflect"
	"time"
)

// Serialization bounds for execute_js results (spec §4.I).
const (
	MaxSerializeDepth      = 10
	MaxSerializeArrayItems = 100
	MaxSerializeObjectKeys = 50
)

// domNode is implemented by fakes/transports that hand back a duck-typed
// DOM node reference rather than a plain value, mirroring how a real
// content script would describe an element it cannot structurally clone.
type domNode interface {
	NodeName() string
	NodeDescriptor() map[string]any
}

// jsDate, jsRegExp and jsError let a Transport express the three
// non-JSON-native JS types execute_js must normalize instead of dropping.
type jsDate struct{ Time time.Time }
type jsRegExp struct{ Source, Flags string }
type jsError struct {
	Name, Message string
}

// SerializeValue bounds-checks and normalizes an execute_js return value
// for transport back to the caller: depth is capped at MaxSerializeDepth,
// arrays at MaxSerializeArrayItems, object keys at MaxSerializeObjectKeys;
// DOM nodes are duck-typed to a descriptor, Date/RegExp/Error normalized to
// plain tagged maps, and circular references detected and replaced with a
// marker rather than recursing forever.
func SerializeValue(v any) any {
	return serialize(v, 0, map[uintptr]bool{})
}

func serialize(v any, depth int, seen map[uintptr]bool) any {
	if v == nil {
		return nil
	}
	if depth >= MaxSerializeDepth {
		return "[max_depth_exceeded]"
	}

	switch t := v.(type) {
	case jsDate:
		return map[string]any{"__type": "Date", "iso": t.Time.UTC().Format(time.RFC3339Nano)}
	case jsRegExp:
		return map[string]any{"__type": "RegExp", "source": t.Source, "flags": t.Flags}
	case jsError:
		return map[string]any{"__type": "Error", "name": t.Name, "message": t.Message}
	case domNode:
		desc := t.NodeDescriptor()
		out := map[string]any{"__type": "DOMNode", "nodeName": t.NodeName()}
		for k, val := range desc {
			out[k] = val
		}
		return out
	case string, bool, int, int32, int64, float32, float64:
		return t
	}

	rv := reflect.ValueOf(v)
	if ptr := pointerOf(rv); ptr != 0 {
		if seen[ptr] {
			return "[circular]"
		}
		seen = cloneSeen(seen)
		seen[ptr] = true
	}

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		capped := n
		if capped > MaxSerializeArrayItems {
			capped = MaxSerializeArrayItems
		}
		out := make([]any, 0, capped)
		for i := 0; i < capped; i++ {
			out = append(out, serialize(rv.Index(i).Interface(), depth+1, seen))
		}
		return out
	case reflect.Map:
		keys := rv.MapKeys()
		capped := len(keys)
		if capped > MaxSerializeObjectKeys {
			capped = MaxSerializeObjectKeys
		}
		out := make(map[string]any, capped)
		for i := 0; i < capped; i++ {
			k := keys[i]
			out[fmt.Sprintf("%v", k.Interface())] = serialize(rv.MapIndex(k).Interface(), depth+1, seen)
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return serialize(rv.Elem().Interface(), depth+1, seen)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func pointerOf(rv reflect.Value) uintptr {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map:
		if rv.IsNil() {
			return 0
		}
		return rv.Pointer()
	default:
		return 0
	}
}

func cloneSeen(seen map[uintptr]bool) map[uintptr]bool {
	out := make(map[uintptr]bool, len(seen)+1)
	for k, v := range seen {
		out[k] = v
	}
	return out
}

// Awaiter lets a Transport report that an execute_js return value was a
// Promise that must be awaited before serialization; ResolveAwaitable
// resolves it, returning Await's value and, on rejection, its error.
type Awaiter interface {
	Await() (any, error)
}

// ResolveAwaitable awaits v if it implements Awaiter, otherwise returns it
// unchanged.
func ResolveAwaitable(v any) (any, error) {
	if a, ok := v.(Awaiter); ok {
		return a.Await()
	}
	return v, nil
}
