// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package redact scrubs sensitive values from captured payloads before they
// are queued or stored.
//
// Keys are compared case-insensitively with '_' and '-' removed, so
// "api_key", "API-KEY" and "apiKey" all match the denylist entry "apiKey".
// Redaction never mutates its input and never fails. Typed maps with
// string keys, slices and arrays are walked through reflection; structs,
// pointers and scalars are returned as they are.
package redact

import (
	"reflect"
	"strings"
)

// Sentinel replaces the value of every denylisted key.
const Sentinel = "[REDACTED]"

// DefaultDenylist is used when no denylist is configured.
var DefaultDenylist = []string{"password", "apiKey", "token", "secret", "authorization"}

// Redactor replaces denylisted values in nested payloads.
// A Redactor is immutable and safe for concurrent use.
type Redactor struct {
	keys map[string]struct{}
}

// New builds a Redactor for denylist. An empty denylist selects
// DefaultDenylist.
func New(denylist []string) *Redactor {
	if len(denylist) == 0 {
		denylist = DefaultDenylist
	}
	keys := make(map[string]struct{}, len(denylist))
	for _, k := range denylist {
		if n := normalizeKey(k); n != "" {
			keys[n] = struct{}{}
		}
	}
	return &Redactor{keys: keys}
}

// IsSensitive reports whether key is on the denylist.
func (r *Redactor) IsSensitive(key string) bool {
	_, ok := r.keys[normalizeKey(key)]
	return ok
}

// Redact returns a copy of payload with every denylisted key's value
// replaced by Sentinel, at any depth.
func (r *Redactor) Redact(payload interface{}) interface{} {
	switch v := payload.(type) {
	case map[string]interface{}:
		return r.RedactMap(v)
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if r.IsSensitive(k) {
				out[k] = Sentinel
				continue
			}
			out[k] = val
		}
		return out
	case map[string][]string:
		out := make(map[string][]string, len(v))
		for k, val := range v {
			if r.IsSensitive(k) {
				out[k] = []string{Sentinel}
				continue
			}
			out[k] = append([]string(nil), val...)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = r.Redact(item)
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(v))
		for i, item := range v {
			out[i] = r.RedactMap(item)
		}
		return out
	default:
		return r.redactReflect(payload)
	}
}

// redactReflect covers the containers the cases in Redact do not name,
// such as []map[string]string or map[string]map[string]string. A
// denylisted value whose type cannot hold Sentinel gets its zero value.
func (r *Redactor) redactReflect(payload interface{}) interface{} {
	v := reflect.ValueOf(payload)
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() || v.Type().Key().Kind() != reflect.String {
			return payload
		}
		elem := v.Type().Elem()
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			if r.IsSensitive(iter.Key().String()) {
				out.SetMapIndex(iter.Key(), sentinelFor(elem))
				continue
			}
			out.SetMapIndex(iter.Key(), r.redactElem(iter.Value(), elem))
		}
		return out.Interface()
	case reflect.Slice:
		if v.IsNil() || !isContainer(v.Type().Elem()) {
			return payload
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(r.redactElem(v.Index(i), v.Type().Elem()))
		}
		return out.Interface()
	case reflect.Array:
		if !isContainer(v.Type().Elem()) {
			return payload
		}
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(r.redactElem(v.Index(i), v.Type().Elem()))
		}
		return out.Interface()
	default:
		return payload
	}
}

// redactElem redacts one element of a typed container, keeping v when the
// result no longer fits typ.
func (r *Redactor) redactElem(v reflect.Value, typ reflect.Type) reflect.Value {
	if !isContainer(typ) || (typ.Kind() == reflect.Interface && v.IsNil()) {
		return v
	}
	red := reflect.ValueOf(r.Redact(v.Interface()))
	if !red.IsValid() || !red.Type().AssignableTo(typ) {
		return v
	}
	return red
}

func isContainer(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Interface:
		return true
	}
	return false
}

func sentinelFor(t reflect.Type) reflect.Value {
	s := reflect.ValueOf(Sentinel)
	switch {
	case s.Type().AssignableTo(t):
		return s
	case t.Kind() == reflect.String:
		return s.Convert(t)
	case t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.String:
		out := reflect.MakeSlice(t, 1, 1)
		out.Index(0).Set(s.Convert(t.Elem()))
		return out
	}
	return reflect.Zero(t)
}

// RedactMap is Redact specialized for JSON objects. A nil map stays nil.
func (r *Redactor) RedactMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if r.IsSensitive(k) {
			out[k] = Sentinel
			continue
		}
		out[k] = r.Redact(v)
	}
	return out
}

func normalizeKey(key string) string {
	return strings.Map(func(c rune) rune {
		if c == '_' || c == '-' {
			return -1
		}
		return c
	}, strings.ToLower(strings.TrimSpace(key)))
}
