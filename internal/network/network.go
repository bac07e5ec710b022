// Package network is the C9 contract: a peer registry, request
// forwarding, and a schema-check RPC surface used by the node
// orchestrator (C10) and key rotation's peer propagation (C8). The
// wire protocol is deliberately out of scope (spec's Non-goals name
// the mDNS/peer-discovery wire implementation) — Discoverer and
// Forwarder are injected collaborators a concrete transport plugs in.
package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/datafold/datafold-node/internal/dferr"
	"github.com/datafold/datafold-node/internal/eventbus"
)

// Status is a peer's last known reachability.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusConnected   Status = "connected"
	StatusUnreachable Status = "unreachable"
)

// Peer is a TrustedNode entry: an id, address, the trust distance
// carried on signed requests it forwards, and last-seen bookkeeping.
type Peer struct {
	ID            string
	Address       string
	TrustDistance int
	Status        Status
	LastSeen      time.Time
}

var (
	ErrNotRunning   = errors.New("network: not started")
	ErrPeerNotFound = errors.New("network: peer not registered")
	ErrNoForwarder  = errors.New("network: no request forwarder configured")
)

// Discoverer finds candidate peers; the concrete mechanism (mDNS,
// static seed list, gossip) is external to this package.
type Discoverer interface {
	Discover(ctx context.Context) ([]Peer, error)
}

// Forwarder performs the actual socket round trip for a forwarded
// request or schema check; the concrete transport is external.
type Forwarder interface {
	Forward(ctx context.Context, peer Peer, payload []byte) ([]byte, error)
}

// Config wires Network's collaborators and timeouts.
type Config struct {
	NodeID      string
	SigningKey  ed25519.PrivateKey // this node's identity key
	Discoverer  Discoverer
	Forwarder   Forwarder
	Bus         *eventbus.Bus
	CallTimeout time.Duration
	TokenTTL    time.Duration
}

// Network is the C9 core: owns the trusted-peer registry and exposes
// init/start/stop, discovery, connect, forward, and schema-check
// operations consumed by the node orchestrator's Network surface.
type Network struct {
	cfg     Config
	mu      sync.RWMutex
	peers   map[string]*Peer
	running bool
}

// New constructs a Network in the stopped state; init_network in the
// orchestrator's operation surface corresponds to calling New then
// Start.
func New(cfg Config) *Network {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 2 * time.Minute
	}
	return &Network{cfg: cfg, peers: make(map[string]*Peer)}
}

// Start marks the network running. Idempotent.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = true
	return nil
}

// Stop marks the network stopped; peer entries are retained so a
// restart need not rediscover everything.
func (n *Network) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = false
	return nil
}

// StatusReport is get_network_status's return shape.
type StatusReport struct {
	Running   bool
	PeerCount int
	Peers     []Peer
}

// Status reports whether the network is running and the current
// trusted-peer set.
func (n *Network) Status() StatusReport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	peers := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, *p)
	}
	return StatusReport{Running: n.running, PeerCount: len(peers), Peers: peers}
}

// AddTrustedNode registers a peer the node will accept forwarded
// requests from and may forward requests to.
func (n *Network) AddTrustedNode(peer Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if peer.Status == "" {
		peer.Status = StatusUnknown
	}
	cp := peer
	n.peers[peer.ID] = &cp
}

// RemoveTrustedNode drops a peer from the registry.
func (n *Network) RemoveTrustedNode(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// TrustedNodes lists every registered peer.
func (n *Network) TrustedNodes() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// DiscoverNodes delegates to the injected Discoverer and merges
// newly-found peers into the registry as StatusUnknown (discovery
// alone does not establish trust; connect_to_node does).
func (n *Network) DiscoverNodes(ctx context.Context) ([]Peer, error) {
	if n.cfg.Discoverer == nil {
		return nil, nil
	}
	found, err := n.cfg.Discoverer.Discover(ctx)
	if err != nil {
		return nil, dferr.Wrap(dferr.KindNetwork, err, "peer discovery failed").WithSubKind(dferr.NetworkConnection)
	}
	n.mu.Lock()
	for _, p := range found {
		if _, exists := n.peers[p.ID]; !exists {
			cp := p
			if cp.Status == "" {
				cp.Status = StatusUnknown
			}
			n.peers[p.ID] = &cp
		}
	}
	n.mu.Unlock()
	return found, nil
}

// handshakeClaims rides in the EdDSA-signed token two nodes exchange
// before trusting a forward_request/check_remote_schemas call.
type handshakeClaims struct {
	jwt.RegisteredClaims
	TrustDistance int `json:"trust_distance"`
}

// IssueHandshakeToken builds a short-lived EdDSA JWT asserting this
// node's identity and the trust distance it is willing to extend to
// the target peer.
func (n *Network) IssueHandshakeToken(peerID string, trustDistance int) (string, error) {
	if n.cfg.SigningKey == nil {
		return "", dferr.New(dferr.KindConfigurationError, "network: no signing key configured for handshake tokens")
	}
	now := time.Now()
	claims := handshakeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    n.cfg.NodeID,
			Subject:   peerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(n.cfg.TokenTTL)),
		},
		TrustDistance: trustDistance,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(n.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("network: sign handshake token: %w", err)
	}
	return signed, nil
}

// VerifyHandshakeToken validates a peer's handshake token against its
// known Ed25519 public key and returns the asserted node id and trust
// distance.
func VerifyHandshakeToken(tokenString string, peerPublicKey ed25519.PublicKey) (nodeID string, trustDistance int, err error) {
	var claims handshakeClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return peerPublicKey, nil
	})
	if err != nil {
		return "", 0, dferr.Wrap(dferr.KindNetwork, err, "handshake token invalid").WithSubKind(dferr.NetworkProtocol)
	}
	if !token.Valid {
		return "", 0, dferr.New(dferr.KindNetwork, "handshake token invalid").WithSubKind(dferr.NetworkProtocol)
	}
	return claims.Issuer, claims.TrustDistance, nil
}

// ConnectToNode performs the handshake against a previously discovered
// or manually added peer and marks it connected on success.
func (n *Network) ConnectToNode(ctx context.Context, id string) error {
	n.mu.Lock()
	peer, ok := n.peers[id]
	if !ok {
		n.mu.Unlock()
		return ErrPeerNotFound
	}
	n.mu.Unlock()

	if n.cfg.Forwarder == nil {
		return ErrNoForwarder
	}

	token, err := n.IssueHandshakeToken(id, peer.TrustDistance)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, n.cfg.CallTimeout)
	defer cancel()
	if _, err := n.cfg.Forwarder.Forward(cctx, *peer, []byte(token)); err != nil {
		n.mu.Lock()
		peer.Status = StatusUnreachable
		n.mu.Unlock()
		return n.timeoutOrConnectionError(ctx, err)
	}

	n.mu.Lock()
	peer.Status = StatusConnected
	peer.LastSeen = time.Now().UTC()
	n.mu.Unlock()
	return nil
}

// ForwardRequest forwards an opaque payload to peer and returns its
// raw response, bounded by the configured per-call timeout.
func (n *Network) ForwardRequest(ctx context.Context, peerID string, value []byte) ([]byte, error) {
	n.mu.RLock()
	peer, ok := n.peers[peerID]
	n.mu.RUnlock()
	if !ok {
		return nil, ErrPeerNotFound
	}
	if n.cfg.Forwarder == nil {
		return nil, ErrNoForwarder
	}

	cctx, cancel := context.WithTimeout(ctx, n.cfg.CallTimeout)
	defer cancel()
	resp, err := n.cfg.Forwarder.Forward(cctx, *peer, value)
	if err != nil {
		return nil, n.timeoutOrConnectionError(ctx, err)
	}
	return resp, nil
}

// CheckRemoteSchemas forwards a schema check for names to peer. The
// peer's reply is not parsed: on success the returned map is empty, so
// no schema is reported as present.
func (n *Network) CheckRemoteSchemas(ctx context.Context, peerID string, names []string) (map[string]bool, error) {
	payload := []byte("schema_check:" + fmt.Sprint(names))
	resp, err := n.ForwardRequest(ctx, peerID, payload)
	if err != nil {
		return nil, err
	}
	// The wire encoding of the reply is a transport detail external to
	// this contract; resp is not returned to the caller, and nothing is
	// reported rather than guessed.
	_ = resp
	return map[string]bool{}, nil
}

func (n *Network) timeoutOrConnectionError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return dferr.Wrap(dferr.KindNetwork, err, "peer call timed out").WithSubKind(dferr.NetworkTimeout)
	}
	return dferr.Wrap(dferr.KindNetwork, err, "peer call failed").WithSubKind(dferr.NetworkConnection)
}

// PropagateKeyRotation implements keyrotation.PeerPropagator: forward
// a rotation event to every registered peer and report how many
// acknowledged without erroring.
func (n *Network) PropagateKeyRotation(ctx context.Context, event eventbus.KeyRotation) (acked int, total int, err error) {
	peers := n.TrustedNodes()
	total = len(peers)
	if total == 0 || n.cfg.Forwarder == nil {
		return 0, total, nil
	}

	payload := []byte(fmt.Sprintf("key_rotation:%s:%s", event.CorrelationID, event.NewKeyID))
	for _, p := range peers {
		cctx, cancel := context.WithTimeout(ctx, n.cfg.CallTimeout)
		_, ferr := n.cfg.Forwarder.Forward(cctx, p, payload)
		cancel()
		if ferr == nil {
			acked++
		}
	}
	return acked, total, nil
}
