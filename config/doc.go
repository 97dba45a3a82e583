// Package config loads and validates weftd runtime configuration and
// YAML pipeline manifests.
//
// The runtime configuration covers the worker identity, NATS
// connectivity, the static VLAN route table, enforcement limits, and
// executor tuning. Load applies the file over Default so partial
// configs remain valid.
//
// Pipeline manifests describe a stage sequence submitted to the
// orchestrator; ParsePipeline converts the YAML document into the
// orchestrator's validated form.
package config
