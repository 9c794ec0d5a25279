package minerapi

// Core command set every supported firmware answers. Anything else is
// best-effort and must not gate a poll cycle.
func Summary() Command { return Command{Command: "summary"} }
func Stats() Command   { return Command{Command: "stats"} }
func Pools() Command   { return Command{Command: "pools"} }
func Devs() Command    { return Command{Command: "devs"} }
func Version() Command { return Command{Command: "version"} }

// WithParameter builds an arbitrary parameterized command (control path).
func WithParameter(name, parameter string) Command {
	return Command{Command: name, Parameter: parameter}
}
