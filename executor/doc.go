// Package executor turns an ordered stage list into transfer
// descriptors and drives one run of a pipeline: clear completions,
// issue stages in order through their capabilities, then poll the
// final stage's completion flag under a configurable timeout. A stage
// failure stalls the owning registry and skips the remaining stages.
package executor
