// Package errors provides standardized error handling patterns for weft components.
//
// # Overview
//
// The errors package implements a three-class error classification system for
// capability-mediated pipelines: Transient (temporary, retryable), Invalid
// (bad input or denied request, non-retryable), and Fatal (unrecoverable,
// stop processing). Classification lets callers decide between retry,
// escalation, and abort without matching error strings.
//
// # Error Categories
//
// Sentinel variables are grouped by the subsystem that detects them:
//
//   - General: argument, lookup and lifecycle-state failures
//   - Capability: permission, scope, delegation and expiry failures
//   - Network: connection, transfer, VLAN and timeout failures
//   - Software: callback, resource-limit and rate-limit failures
//   - Remote: token, signature, sequence and remote-transfer failures
//   - Registry: registry-level lookup, execution and stall failures
//
// Every category failure is reported to the immediate caller of the
// operation that detected it. Partial side effects are rolled back before
// the error is returned; nothing is thrown across an API boundary as a
// generic failure.
//
// # Quick Start
//
// Return sentinels for known conditions and wrap them with context:
//
//	if !cap.Has(capability.PermWrite) {
//	    return errors.WrapInvalid(errors.ErrInsufficientPermissions,
//	        "registry", "CreateNode", "permission check")
//	}
//
// Callers branch on classification or identity:
//
//	if errors.IsTransient(err) {
//	    // retry with backoff
//	}
//	if stderrors.Is(err, errors.ErrRegistryStalled) {
//	    // registry is terminal: release and recreate
//	}
package errors
