// Package device defines the hardware execution collaborator: the
// narrow interface through which the pipeline core issues transfers,
// polls completions, and manages accelerator memory. Production
// deployments bind it to a real accelerator driver; Simulated is an
// in-memory implementation used by tests and by agents running without
// hardware.
//
// Nothing in this package checks permissions. Every call site goes
// through the capability-gated wrappers in the node and registry
// packages.
package device
