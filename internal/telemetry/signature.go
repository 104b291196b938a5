package telemetry

import (
	"fmt"
	"strings"

	"github.com/brennhill/gasoline-coordinator/internal/util"
)

// Signature computes the error-group key for an entry, per the dedup rule:
// type|level|subfields, where subfields are {message, first stack frame} for
// exceptions, {method, url.path, status} for network, and {first arg} for
// console. Only error/warn level entries are meant to be deduped (the caller
// enforces that); Signature itself is defined for any entry.
func Signature(e Entry) string {
	switch e.Kind {
	case KindException:
		return fmt.Sprintf("exception|%s|%s|%s", e.Level, e.Message, firstStackFrame(e.Stack))
	case KindNetwork:
		return fmt.Sprintf("network|%s|%s|%s|%d", e.Level, e.Method, util.ExtractURLPath(e.URL), e.Status)
	case KindConsole:
		return fmt.Sprintf("console|%s|%s", e.Level, firstArg(e.Args))
	default:
		return fmt.Sprintf("%s|%s", e.Kind, e.Level)
	}
}

func firstStackFrame(stack string) string {
	lines := strings.Split(strings.TrimSpace(stack), "\n")
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			return l
		}
	}
	return ""
}

func firstArg(args []any) string {
	if len(args) == 0 {
		return ""
	}
	return fmt.Sprintf("%v", args[0])
}

