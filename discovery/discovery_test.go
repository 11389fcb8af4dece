package discovery

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wippyai/wasm-testharness/loader"
)

func exportsOf(names ...string) *loader.Exports {
	e := loader.NewExports()
	for _, n := range names {
		e.Add(n, func(context.Context) (loader.Thenable, error) { return nil, nil })
	}
	return e
}

func TestMatch(t *testing.T) {
	tests := []struct {
		export string
		name   string
		ok     bool
	}{
		{"__async_test__a", "a", true},
		{"___async_test__mangled", "mangled", true},
		{"__async_test__with__underscores", "with__underscores", true},
		{"____async_test__two_extra", "", false},
		{"__async_test__", "", false},
		{"main", "", false},
		{"x__async_test__a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.export, func(t *testing.T) {
			name, ok := Match(tt.export)
			if name != tt.name || ok != tt.ok {
				t.Errorf("Match(%q) = %q, %v; want %q, %v", tt.export, name, ok, tt.name, tt.ok)
			}
		})
	}
}

func TestDiscover(t *testing.T) {
	exports := exportsOf("memory_helper", "__async_test__c", "main", "___async_test__a", "__async_test__b", "__async_test__ab")

	tests := []struct {
		name   string
		filter string
		want   []string
	}{
		{"no filter keeps export order", "", []string{"c", "a", "b", "ab"}},
		{"substring", "b", []string{"b", "ab"}},
		{"exact", "c", []string{"c"}},
		{"no match", "zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Discover(exports, tt.filter)
			if diff := cmp.Diff(tt.want, Names(got), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Discover(%q) mismatch (-want +got):\n%s", tt.filter, diff)
			}
			for _, tc := range got {
				if tc.Invoke == nil {
					t.Errorf("%s has no Invoke", tc.Name)
				}
			}
		})
	}
}

func TestDiscover_KeepsExportName(t *testing.T) {
	got := Discover(exportsOf("___async_test__x"), "")
	if len(got) != 1 || got[0].Export != "___async_test__x" || got[0].Name != "x" {
		t.Errorf("got %+v", got)
	}
	if Discover(nil, "") != nil {
		t.Error("nil exports should yield no tests")
	}
}
