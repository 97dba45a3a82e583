// Package agent runs the worker side of a multi-device pipeline.
//
// An agent answers control calls on its NATS subject: deploy builds a
// registry and one node per stage from a deployment descriptor,
// setup_link stands up one side of a cross-device link in the
// mandated receive-first order, execute runs the partition's stages,
// and stop/undeploy tear the instance down. Each deployment is fully
// isolated behind its own registry, executor and enforcement engine.
package agent
