// Package sym defines the glyphs that prefix hubjobs CLI output and log lines,
// one per command group plus markers for executor lifecycle events.
package sym

const (
	AM        = "≡" // am: configuration
	Jobs      = "⨳" // jobs: submit, inspect and cancel
	Resources = "⋈" // resources: capacity pools and admission
	DB        = "⊔" // db and spaces: storage layer
	Pulse     = "꩜" // executor ticks, dispatch, polling
)

const (
	PulseOpen  = "✿" // startup, adopting jobs of a previous process
	PulseClose = "❀" // shutdown, steps left resumable
	Compile    = "⟶" // request compiled into a step graph
)
