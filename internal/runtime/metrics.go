package runtime

var (
	MetricCommitCount      = []string{"cellsync", "runtime", "commit", "count"}
	MetricAbortCount       = []string{"cellsync", "runtime", "abort", "count"}
	MetricRemoteApplyCount = []string{"cellsync", "runtime", "remote", "apply", "count"}
	MetricParkedCount      = []string{"cellsync", "runtime", "remote", "parked", "count"}
	MetricRevertCount      = []string{"cellsync", "runtime", "revert", "count"}
	MetricDerivationErrors = []string{"cellsync", "runtime", "derivation", "error", "count"}
)

func (rt *Runtime) incr(name []string) {
	rt.msink.IncrCounter(name, 1)
}
