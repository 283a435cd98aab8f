// Package progress parses stage progress out of external tool output.
// Each tool prints counters in its own dialect, so the parsers keep a
// pattern list per tool plus fallbacks for older builds. Parsers that need
// running counters are stateful and scoped to a single invocation.
package progress

// Update is a single parsed progress observation for a stage.
type Update struct {
	Percent int
	Detail  string
	Subtext string
}
