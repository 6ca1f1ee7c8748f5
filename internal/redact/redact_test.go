// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package redact

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/goccy/go-json"
)

func TestRedact_SpecExample(t *testing.T) {
	r := New(nil)
	in := map[string]interface{}{"email": "a@b.com", "password": "x"}

	got := r.RedactMap(in)

	want := map[string]interface{}{"email": "a@b.com", "password": "[REDACTED]"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RedactMap() = %v, want %v", got, want)
	}
	if in["password"] != "x" {
		t.Error("input map was mutated")
	}
}

func TestRedact_KeyMatching(t *testing.T) {
	r := New(nil)
	tests := []struct {
		key       string
		sensitive bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"apiKey", true},
		{"api_key", true},
		{"API-KEY", true},
		{"Authorization", true},
		{"token", true},
		{"secret", true},
		{"email", false},
		{"passwordHint", false},
		{"tokens_used", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := r.IsSensitive(tt.key); got != tt.sensitive {
				t.Errorf("IsSensitive(%q) = %v, want %v", tt.key, got, tt.sensitive)
			}
		})
	}
}

func TestRedact_NestedStructures(t *testing.T) {
	r := New(nil)
	in := map[string]interface{}{
		"user": map[string]interface{}{
			"name":     "alice",
			"password": "hunter2",
			"age":      float64(30),
			"roles":    []interface{}{"admin", "ops"},
		},
		"credentials": []interface{}{
			map[string]interface{}{"token": "t1", "scope": "read"},
			map[string]interface{}{"secret": "s1", "enabled": true},
			"plain-string",
		},
		"headers": map[string]string{"Authorization": "Bearer abc", "Accept": "application/json"},
		"count":   float64(3),
		"nothing": nil,
	}

	got := r.RedactMap(in)

	user := got["user"].(map[string]interface{})
	if user["password"] != Sentinel {
		t.Errorf("nested password = %v", user["password"])
	}
	if user["age"] != float64(30) {
		t.Errorf("sibling numeric changed: %v (%T)", user["age"], user["age"])
	}
	if !reflect.DeepEqual(user["roles"], []interface{}{"admin", "ops"}) {
		t.Errorf("sibling slice changed: %v", user["roles"])
	}

	creds := got["credentials"].([]interface{})
	if creds[0].(map[string]interface{})["token"] != Sentinel {
		t.Error("token inside array not redacted")
	}
	if creds[0].(map[string]interface{})["scope"] != "read" {
		t.Error("scope inside array changed")
	}
	if creds[1].(map[string]interface{})["enabled"] != true {
		t.Error("boolean sibling changed")
	}
	if creds[2] != "plain-string" {
		t.Error("scalar array element changed")
	}

	headers := got["headers"].(map[string]string)
	if headers["Authorization"] != Sentinel || headers["Accept"] != "application/json" {
		t.Errorf("headers = %v", headers)
	}
	if got["nothing"] != nil {
		t.Error("nil value changed")
	}
}

// Non-sensitive siblings must survive byte-for-byte once serialized.
func TestRedact_SiblingsUnchangedAfterEncoding(t *testing.T) {
	r := New([]string{"password"})
	raw := []byte(`{"email":"a@b.com","n":1.5,"tags":["x","y"],"nested":{"ok":true},"password":"p"}`)

	var in map[string]interface{}
	if err := json.Unmarshal(raw, &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out := r.RedactMap(in)
	delete(in, "password")
	delete(out, "password")

	a, _ := json.Marshal(in)
	b, _ := json.Marshal(out)
	if !bytes.Equal(a, b) {
		t.Errorf("siblings changed:\n in=%s\nout=%s", a, b)
	}
}

func TestRedact_TypedNestedContainers(t *testing.T) {
	r := New(nil)

	list := []map[string]string{
		{"user": "alice", "password": "hunter2"},
		{"user": "bob", "api_key": "k-1"},
	}
	gotList, ok := r.Redact(list).([]map[string]string)
	if !ok {
		t.Fatalf("Redact([]map[string]string) changed type to %T", r.Redact(list))
	}
	if gotList[0]["password"] != Sentinel || gotList[1]["api_key"] != Sentinel {
		t.Errorf("typed list not redacted: %v", gotList)
	}
	if gotList[0]["user"] != "alice" || list[0]["password"] != "hunter2" {
		t.Errorf("siblings changed or input mutated: got %v, input %v", gotList, list)
	}

	nested := map[string]map[string]string{
		"db":    {"host": "pg", "secret": "s3"},
		"token": {"value": "t"},
	}
	gotNested := r.Redact(nested).(map[string]map[string]string)
	if gotNested["db"]["secret"] != Sentinel || gotNested["db"]["host"] != "pg" {
		t.Errorf("nested typed map = %v", gotNested["db"])
	}
	if gotNested["token"] != nil {
		t.Errorf("denylisted key holding a map = %v, want zero value", gotNested["token"])
	}

	type settings map[string]int
	counts := r.Redact(map[string]settings{"limits": {"token": 5, "retries": 3}}).(map[string]settings)
	if counts["limits"]["token"] != 0 || counts["limits"]["retries"] != 3 {
		t.Errorf("non-string denylisted value = %v, want zeroed", counts["limits"])
	}

	arr := r.Redact([1]map[string][]string{{"Authorization": {"Bearer x"}}}).([1]map[string][]string)
	if !reflect.DeepEqual(arr[0]["Authorization"], []string{Sentinel}) {
		t.Errorf("array element = %v", arr[0])
	}

	// Payloads embedded in a JSON object go through the same path.
	body := r.RedactMap(map[string]interface{}{"accounts": list})
	if body["accounts"].([]map[string]string)[0]["password"] != Sentinel {
		t.Errorf("typed list inside object not redacted: %v", body["accounts"])
	}
}

func TestRedact_UnknownShapesPassThrough(t *testing.T) {
	r := New(nil)
	type custom struct{ Password string }

	values := []interface{}{42, "password", custom{Password: "x"}, nil, 3.14}
	for _, v := range values {
		if got := r.Redact(v); !reflect.DeepEqual(got, v) {
			t.Errorf("Redact(%v) = %v, want unchanged", v, got)
		}
	}
}

func TestNew_CustomDenylist(t *testing.T) {
	r := New([]string{"ssn", " Card_Number "})
	if !r.IsSensitive("SSN") || !r.IsSensitive("cardNumber") {
		t.Error("custom denylist not applied")
	}
	if r.IsSensitive("password") {
		t.Error("custom denylist should replace the default")
	}
}
