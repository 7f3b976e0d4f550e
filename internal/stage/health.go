package stage

// Health reports whether a pipeline stage is ready to process jobs.
// Unready stages surface in daemon status output with their detail string.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy reports a stage as ready.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy reports a stage as not ready, with detail explaining what is
// missing or misconfigured.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
