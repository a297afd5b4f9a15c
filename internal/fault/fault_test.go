// ABOUTME: Tests for the relay error taxonomy and its wire encoding.
// ABOUTME: Verifies kinds survive a trip through ErrorDetail and wrapping.

package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/2389/relay-gateway/proto/relay"
)

func TestSentinelsSurviveWire(t *testing.T) {
	target := pb.NewAgentID("research", "")
	for kind, sentinel := range sentinels {
		t.Run(kind, func(t *testing.T) {
			detail := Detail(sentinel, target, "synthesized")
			assert.Equal(t, kind, detail.Kind)

			err := FromDetail(detail)
			assert.ErrorIs(t, err, sentinel)
			assert.Contains(t, err.Error(), "synthesized")
			assert.Contains(t, err.Error(), target.String())
		})
	}
}

func TestHandlerErrorBecomesRemoteError(t *testing.T) {
	self := pb.NewAgentID("research", "")
	detail := ToDetail(errors.New("no data"), self)

	assert.Equal(t, KindRemote, detail.Kind)
	assert.Equal(t, "no data", detail.Message)
	assert.Equal(t, self, detail.Agent)

	var remote *RemoteError
	require.ErrorAs(t, FromDetail(detail), &remote)
	assert.Equal(t, self, remote.Agent)
	assert.Equal(t, "no data", remote.Message)
}

func TestRemoteErrorPropagatesUnchanged(t *testing.T) {
	stage := pb.NewAgentID("research", "")
	coordinator := pb.NewAgentID("coordinator", "")

	original := FromDetail(ToDetail(errors.New("no data"), stage))
	wrapped := fmt.Errorf("stage research: %w", original)

	detail := ToDetail(wrapped, coordinator)
	assert.Equal(t, KindRemote, detail.Kind)
	assert.Equal(t, stage, detail.Agent, "first failing agent is kept")
	assert.Equal(t, "no data", detail.Message)
	assert.Contains(t, detail.Chain, "stage research")

	reraised := FromDetail(detail)
	assert.ErrorIs(t, reraised, &RemoteError{Agent: stage, Message: "no data"})
}

func TestWrappedSentinelKeepsKind(t *testing.T) {
	self := pb.NewAgentID("coordinator", "")
	timeout := New(ErrTimeout, pb.NewAgentID("idea", ""), "no response after %s", "5s")
	wrapped := fmt.Errorf("stage idea: %w", timeout)

	detail := ToDetail(wrapped, self)
	assert.Equal(t, KindTimeout, detail.Kind)
	assert.Equal(t, pb.NewAgentID("idea", ""), detail.Agent)
	assert.ErrorIs(t, FromDetail(detail), ErrTimeout)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindCancelled, KindOf(fmt.Errorf("send: %w", ErrCancelled)))
	assert.Equal(t, KindRemote, KindOf(errors.New("anything")))
	assert.Equal(t, KindRemote, KindOf(&RemoteError{Message: "x"}))
}

func TestSentinel(t *testing.T) {
	err, ok := Sentinel(KindTypeOwned)
	require.True(t, ok)
	assert.ErrorIs(t, fmt.Errorf("registering %q: %w", "x", err), ErrTypeOwned)
	assert.Equal(t, KindTypeOwned, KindOf(fmt.Errorf("owned: %w", ErrTypeOwned)))

	_, ok = Sentinel(KindRemote)
	assert.False(t, ok)
}

func TestFromDetailNil(t *testing.T) {
	var remote *RemoteError
	assert.ErrorAs(t, FromDetail(nil), &remote)
}
