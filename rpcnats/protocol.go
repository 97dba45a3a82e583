package rpcnats

import (
	"fmt"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/orchestrator"
)

// subjectPrefix roots the worker control subject space.
const subjectPrefix = "weft.worker."

// ControlSubject returns the request/reply subject a worker answers
// control calls on.
func ControlSubject(worker string) string {
	return subjectPrefix + worker + ".ctrl"
}

// Op selects one worker control operation.
type Op string

// Worker control operations.
const (
	OpDeploy    Op = "deploy"
	OpExecute   Op = "execute"
	OpStop      Op = "stop"
	OpUndeploy  Op = "undeploy"
	OpSetupLink Op = "setup_link"
)

// Request is one control call to a worker.
type Request struct {
	Op         Op                        `json:"op"`
	InstanceID string                    `json:"instance_id,omitempty"`
	Deployment *orchestrator.Descriptor  `json:"deployment,omitempty"`
	Link       *orchestrator.LinkRequest `json:"link,omitempty"`
}

// Validate checks the request carries the payload its operation needs.
func (r *Request) Validate() error {
	switch r.Op {
	case OpDeploy:
		if r.Deployment == nil {
			return errors.WrapInvalid(
				fmt.Errorf("deploy without descriptor: %w", errors.ErrInvalidArgument),
				"rpcnats", "Request.Validate", "payload check")
		}
	case OpExecute, OpStop, OpUndeploy:
		if r.InstanceID == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%s without instance id: %w", r.Op, errors.ErrInvalidArgument),
				"rpcnats", "Request.Validate", "payload check")
		}
	case OpSetupLink:
		if r.InstanceID == "" || r.Link == nil || r.Link.NodeID == "" {
			return errors.WrapInvalid(
				fmt.Errorf("setup_link needs an instance and a link request: %w", errors.ErrInvalidArgument),
				"rpcnats", "Request.Validate", "payload check")
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown op %q: %w", r.Op, errors.ErrInvalidArgument),
			"rpcnats", "Request.Validate", "op check")
	}
	return nil
}

// Response is one control call's result.
type Response struct {
	OK         bool                       `json:"ok"`
	Error      string                     `json:"error,omitempty"`
	InstanceID string                     `json:"instance_id,omitempty"`
	Endpoint   *orchestrator.EndpointInfo `json:"endpoint,omitempty"`
}

// Fail builds an error response.
func Fail(err error) Response {
	return Response{Error: err.Error()}
}
