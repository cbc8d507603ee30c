package payload

import (
	"fmt"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
)

// Key paths address values inside a payload: "a.b" reads key b of object a,
// and "a[].b" reads key b of every object in array a. Arrays met along a
// plain path are traversed as well, and arrays at the end are flattened.

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

func segment(seg string) (name string, array bool) {
	if strings.HasSuffix(seg, "[]") {
		return strings.TrimSuffix(seg, "[]"), true
	}
	return seg, false
}

// ValuesAt returns every non-null value found at path.
func ValuesAt(p Payload, path string) []any {
	if p == nil || path == "" {
		return nil
	}
	var out []any
	walkValues(p, splitPath(path), &out)
	return out
}

func walkValues(v any, segs []string, out *[]any) {
	if len(segs) == 0 {
		switch x := v.(type) {
		case nil:
		case []any:
			for _, e := range x {
				if e != nil {
					*out = append(*out, e)
				}
			}
		default:
			*out = append(*out, x)
		}
		return
	}
	if arr, ok := v.([]any); ok {
		for _, e := range arr {
			walkValues(e, segs, out)
		}
		return
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}
	name, array := segment(segs[0])
	child, ok := obj[name]
	if !ok {
		return
	}
	if array {
		arr, ok := child.([]any)
		if !ok {
			return
		}
		for _, e := range arr {
			walkValues(e, segs[1:], out)
		}
		return
	}
	walkValues(child, segs[1:], out)
}

// ObjectsAt returns the objects found at path, used as the scope of nested
// conditions.
func ObjectsAt(p Payload, path string) []Payload {
	var out []Payload
	for _, v := range ValuesAt(p, path) {
		if obj, ok := v.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

// SetAt merges value into the object at path, creating intermediate objects
// and replacing non-object values on the way. p is modified in place.
func SetAt(p Payload, path string, value Payload) error {
	cur := p
	for _, seg := range splitPath(path) {
		name, array := segment(seg)
		if array || name == "" {
			return fmt.Errorf("%w: cannot set payload at key %q", apperrors.ErrInvalidInput, path)
		}
		next, ok := cur[name].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[name] = next
		}
		cur = next
	}
	for k, v := range value {
		cur[k] = v
	}
	return nil
}

// DeleteAt removes the values at path and returns them. p is modified in
// place.
func DeleteAt(p Payload, path string) []any {
	segs := splitPath(path)
	last, _ := segment(segs[len(segs)-1])
	var parents []any
	if len(segs) == 1 {
		parents = []any{p}
	} else {
		walkParents(p, segs[:len(segs)-1], &parents)
	}
	var removed []any
	for _, parent := range parents {
		obj, ok := parent.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := obj[last]; ok {
			removed = append(removed, v)
			delete(obj, last)
		}
	}
	return removed
}

// walkParents collects the containers reached by segs without flattening the
// final array, so objects inside it can be modified.
func walkParents(v any, segs []string, out *[]any) {
	if arr, ok := v.([]any); ok {
		for _, e := range arr {
			walkParents(e, segs, out)
		}
		return
	}
	if len(segs) == 0 {
		*out = append(*out, v)
		return
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}
	name, _ := segment(segs[0])
	if child, ok := obj[name]; ok {
		walkParents(child, segs[1:], out)
	}
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return x
	}
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return Payload{}
	}
	return deepCopy(p).(map[string]any)
}

// topLevel reports whether path names a single top-level key.
func topLevel(path string) bool {
	return !strings.ContainsAny(path, ".[")
}
