package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold-node/internal/dferr"
	"github.com/datafold/datafold-node/internal/eventbus"
)

type fakeDiscoverer struct {
	peers []Peer
	err   error
}

func (f *fakeDiscoverer) Discover(ctx context.Context) ([]Peer, error) { return f.peers, f.err }

type fakeForwarder struct {
	err       error
	responses map[string][]byte
	calls     int
}

func (f *fakeForwarder) Forward(ctx context.Context, peer Peer, payload []byte) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.responses[peer.ID], nil
}

func TestAddAndListTrustedNodes(t *testing.T) {
	n := New(Config{NodeID: "node-a"})
	n.AddTrustedNode(Peer{ID: "node-b", Address: "10.0.0.2:9000", TrustDistance: 1})

	peers := n.TrustedNodes()
	require.Len(t, peers, 1)
	assert.Equal(t, "node-b", peers[0].ID)
	assert.Equal(t, StatusUnknown, peers[0].Status)

	n.RemoveTrustedNode("node-b")
	assert.Empty(t, n.TrustedNodes())
}

func TestDiscoverNodesMergesWithoutOverwritingKnownPeers(t *testing.T) {
	n := New(Config{NodeID: "node-a", Discoverer: &fakeDiscoverer{peers: []Peer{{ID: "node-b"}}}})
	n.AddTrustedNode(Peer{ID: "node-b", Status: StatusConnected})

	found, err := n.DiscoverNodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, found, 1)

	peers := n.TrustedNodes()
	require.Len(t, peers, 1)
	assert.Equal(t, StatusConnected, peers[0].Status) // not clobbered by rediscovery
}

func TestDiscoverNodesPropagatesError(t *testing.T) {
	n := New(Config{NodeID: "node-a", Discoverer: &fakeDiscoverer{err: errors.New("mdns down")}})
	_, err := n.DiscoverNodes(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, dferr.NetworkError))
}

func TestHandshakeTokenRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	n := New(Config{NodeID: "node-a", SigningKey: priv, TokenTTL: time.Minute})
	token, err := n.IssueHandshakeToken("node-b", 2)
	require.NoError(t, err)

	nodeID, trustDistance, err := VerifyHandshakeToken(token, pub)
	require.NoError(t, err)
	assert.Equal(t, "node-a", nodeID)
	assert.Equal(t, 2, trustDistance)
}

func TestVerifyHandshakeTokenRejectsWrongKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)

	n := New(Config{NodeID: "node-a", SigningKey: priv})
	token, err := n.IssueHandshakeToken("node-b", 0)
	require.NoError(t, err)

	_, _, err = VerifyHandshakeToken(token, otherPub)
	require.Error(t, err)
}

func TestConnectToNodeMarksConnectedOnSuccess(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	forwarder := &fakeForwarder{}
	n := New(Config{NodeID: "node-a", SigningKey: priv, Forwarder: forwarder})
	n.AddTrustedNode(Peer{ID: "node-b"})

	err := n.ConnectToNode(context.Background(), "node-b")
	require.NoError(t, err)

	peers := n.TrustedNodes()
	require.Len(t, peers, 1)
	assert.Equal(t, StatusConnected, peers[0].Status)
	assert.Equal(t, 1, forwarder.calls)
}

func TestConnectToNodeUnknownPeer(t *testing.T) {
	n := New(Config{NodeID: "node-a", Forwarder: &fakeForwarder{}})
	err := n.ConnectToNode(context.Background(), "node-ghost")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestForwardRequestTimeoutErrorKind(t *testing.T) {
	forwarder := &fakeForwarder{err: context.DeadlineExceeded}
	n := New(Config{NodeID: "node-a", Forwarder: forwarder, CallTimeout: time.Millisecond})
	n.AddTrustedNode(Peer{ID: "node-b"})

	_, err := n.ForwardRequest(context.Background(), "node-b", []byte("ping"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, dferr.NetworkError))

	de, ok := dferr.As(err)
	require.True(t, ok)
	assert.Equal(t, string(dferr.NetworkTimeout), de.SubKind)
}

func TestPropagateKeyRotationCountsAcks(t *testing.T) {
	forwarder := &fakeForwarder{}
	n := New(Config{NodeID: "node-a", Forwarder: forwarder})
	n.AddTrustedNode(Peer{ID: "node-b"})
	n.AddTrustedNode(Peer{ID: "node-c"})

	acked, total, err := n.PropagateKeyRotation(context.Background(), eventbus.KeyRotation{CorrelationID: "c1", NewKeyID: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, acked)
}

func TestPropagateKeyRotationNoPeers(t *testing.T) {
	n := New(Config{NodeID: "node-a"})
	acked, total, err := n.PropagateKeyRotation(context.Background(), eventbus.KeyRotation{CorrelationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Equal(t, 0, acked)
}

func TestStatusReportsRunningAndPeers(t *testing.T) {
	n := New(Config{NodeID: "node-a"})
	require.NoError(t, n.Start(context.Background()))
	n.AddTrustedNode(Peer{ID: "node-b"})

	status := n.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.PeerCount)

	require.NoError(t, n.Stop(context.Background()))
	assert.False(t, n.Status().Running)
}
