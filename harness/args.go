package harness

import "strings"

// valueFlags are test-runner flags whose value is the following argument.
var valueFlags = map[string]struct{}{
	"--skip":         {},
	"--logfile":      {},
	"--test-threads": {},
	"--color":        {},
	"--format":       {},
}

// ParseFilter returns the name filter from passthrough args: the first
// argument that is not a flag and not the value of one. Other flags are
// ignored. An empty result means no filter.
func ParseFilter(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
		if _, ok := valueFlags[arg]; ok {
			i++
		}
	}
	return ""
}
