package rpcnats

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/orchestrator"
)

func TestControlSubject(t *testing.T) {
	assert.Equal(t, "weft.worker.w1.ctrl", ControlSubject("w1"))
	assert.Equal(t, "weft.worker.edge-3.ctrl", ControlSubject("edge-3"))
}

func TestRequestValidate(t *testing.T) {
	desc := &orchestrator.Descriptor{Pipeline: "p", Worker: "w1"}
	link := &orchestrator.LinkRequest{NodeID: "uplink"}

	cases := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"deploy", Request{Op: OpDeploy, Deployment: desc}, true},
		{"deploy without descriptor", Request{Op: OpDeploy}, false},
		{"execute", Request{Op: OpExecute, InstanceID: "inst-1"}, true},
		{"execute without instance", Request{Op: OpExecute}, false},
		{"stop", Request{Op: OpStop, InstanceID: "inst-1"}, true},
		{"stop without instance", Request{Op: OpStop}, false},
		{"undeploy", Request{Op: OpUndeploy, InstanceID: "inst-1"}, true},
		{"undeploy without instance", Request{Op: OpUndeploy}, false},
		{"setup link", Request{Op: OpSetupLink, InstanceID: "inst-1", Link: link}, true},
		{"setup link without instance", Request{Op: OpSetupLink, Link: link}, false},
		{"setup link without payload", Request{Op: OpSetupLink, InstanceID: "inst-1"}, false},
		{"setup link without node id", Request{Op: OpSetupLink, InstanceID: "inst-1",
			Link: &orchestrator.LinkRequest{}}, false},
		{"unknown op", Request{Op: "reboot"}, false},
		{"empty op", Request{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrInvalidArgument))
		})
	}
}

func TestFail(t *testing.T) {
	resp := Fail(fmt.Errorf("no such instance"))
	assert.False(t, resp.OK)
	assert.Equal(t, "no such instance", resp.Error)
}

func TestNewClientRequiresConnection(t *testing.T) {
	c, err := NewClient(nil)
	require.Error(t, err)
	assert.Nil(t, c)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidArgument))
}
