// Package rpcnats carries worker control traffic over NATS
// request/reply.
//
// Each worker answers JSON control calls on its subject
// weft.worker.<name>.ctrl: deploy, execute, stop, undeploy and
// setup_link. Deployment descriptors are validated against an embedded
// JSON schema on both ends of the wire. The Client implements
// orchestrator.WorkerClient; the worker side lives in package agent.
package rpcnats
