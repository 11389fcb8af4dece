// Package discovery finds async test functions in a loaded module's exports.
//
// A test is any export named __async_test__<name>, optionally with one extra
// leading underscore as C-style mangling adds. Tests keep the order the
// exports were declared in.
package discovery

import (
	"regexp"
	"strings"

	"github.com/wippyai/wasm-testharness/loader"
)

// Prefix marks an export as an async test.
const Prefix = "__async_test__"

var pattern = regexp.MustCompile(`^_?` + Prefix + `(.+)$`)

// TestCase is one discovered test.
type TestCase struct {
	Invoke loader.Func
	// Name is the part after the prefix; it is what filters match against.
	Name string
	// Export is the full export name.
	Export string
}

// Match returns the test name encoded in export, if it is a test export.
func Match(export string) (string, bool) {
	m := pattern.FindStringSubmatch(export)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Discover returns the tests in exports whose name contains filter, in
// export order. An empty filter keeps every test.
func Discover(exports *loader.Exports, filter string) []TestCase {
	if exports == nil {
		return nil
	}
	var tests []TestCase
	for _, export := range exports.Names() {
		name, ok := Match(export)
		if !ok {
			continue
		}
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		fn, _ := exports.Lookup(export)
		tests = append(tests, TestCase{Name: name, Export: export, Invoke: fn})
	}
	return tests
}

// Names returns the test names of tests.
func Names(tests []TestCase) []string {
	names := make([]string, len(tests))
	for i, tc := range tests {
		names[i] = tc.Name
	}
	return names
}
