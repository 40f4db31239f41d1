// Package p2p gossips pending transactions and rollup roots between
// shieldpool nodes over libp2p.
package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Gossip topics
const (
	PendingTopic = "shieldpool/pending"
	RootsTopic   = "shieldpool/roots"

	rendezvous = "shieldpool-network"
	mdnsTag    = "shieldpool-local"
)

// Node is a shieldpool gossip participant
type Node struct {
	mu sync.RWMutex

	host      host.Host
	dht       *dht.IpfsDHT
	pubsub    *pubsub.PubSub
	discovery *drouting.RoutingDiscovery
	logger    *zap.Logger

	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription
	handlers map[string]MessageHandler

	peers    map[peer.ID]*PeerInfo
	maxPeers int

	ctx    context.Context
	cancel context.CancelFunc
}

// PeerInfo holds information about a connected peer
type PeerInfo struct {
	ID          peer.ID
	Addrs       []multiaddr.Multiaddr
	ConnectedAt time.Time
	LastSeen    time.Time
}

// MessageHandler handles the payload of one inbound gossip message
type MessageHandler func(ctx context.Context, from peer.ID, data []byte) error

// Config holds P2P node configuration
type Config struct {
	ListenAddrs    []string
	BootstrapPeers []string
	PrivateKey     crypto.PrivKey
	MaxPeers       int
	EnableMDNS     bool
}

// DefaultConfig returns default P2P configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/9100"},
		MaxPeers:    50,
		EnableMDNS:  true,
	}
}

// NewNode creates a node, bootstraps discovery and joins the gossip topics
func NewNode(ctx context.Context, cfg *Config, logger *zap.Logger) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	nodeCtx, cancel := context.WithCancel(ctx)

	privKey := cfg.PrivateKey
	if privKey == nil {
		var err error
		privKey, _, err = crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
	}

	listenAddrs := make([]multiaddr.Multiaddr, len(cfg.ListenAddrs))
	for i, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address: %w", err)
		}
		listenAddrs[i] = ma
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.EnableNATService(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	kadDHT, err := dht.New(nodeCtx, h, dht.Mode(dht.ModeAuto))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	ps, err := pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		kadDHT.Close()
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	node := &Node{
		host:     h,
		dht:      kadDHT,
		pubsub:   ps,
		logger:   logger.With(zap.String("peer", h.ID().String())),
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		handlers: make(map[string]MessageHandler),
		peers:    make(map[peer.ID]*PeerInfo),
		maxPeers: cfg.MaxPeers,
		ctx:      nodeCtx,
		cancel:   cancel,
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    node.onPeerConnected,
		DisconnectedF: node.onPeerDisconnected,
	})

	if err := kadDHT.Bootstrap(nodeCtx); err != nil {
		node.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, peerAddr := range cfg.BootstrapPeers {
		if err := node.connectToPeer(peerAddr); err != nil {
			node.logger.Warn("bootstrap peer unreachable", zap.String("addr", peerAddr), zap.Error(err))
		}
	}

	if cfg.EnableMDNS {
		if err := node.setupMDNS(); err != nil {
			node.logger.Warn("mDNS setup failed", zap.Error(err))
		}
	}

	node.discovery = drouting.NewRoutingDiscovery(kadDHT)

	for _, name := range []string{PendingTopic, RootsTopic} {
		if err := node.join(name); err != nil {
			node.Close()
			return nil, err
		}
	}

	return node, nil
}

func (n *Node) join(name string) error {
	topic, err := n.pubsub.Join(name)
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}
	n.topics[name] = topic
	n.subs[name] = sub
	return nil
}

// Handle sets the handler for a topic. Call before Start.
func (n *Node) Handle(topic string, handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[topic] = handler
}

// Start begins processing messages
func (n *Node) Start() {
	for name, sub := range n.subs {
		go n.processMessages(name, sub)
	}
	go n.maintainPeers()
}

func (n *Node) processMessages(topic string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			continue
		}

		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		n.mu.Lock()
		if p, exists := n.peers[msg.ReceivedFrom]; exists {
			p.LastSeen = time.Now()
		}
		handler := n.handlers[topic]
		n.mu.Unlock()

		if handler == nil {
			continue
		}
		if err := handler(n.ctx, msg.ReceivedFrom, msg.Data); err != nil {
			n.logger.Debug("gossip message rejected",
				zap.String("topic", topic),
				zap.String("from", msg.ReceivedFrom.String()),
				zap.Error(err),
			)
		}
	}
}

// Publish gossips data on one of the node's topics
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	t, ok := n.topics[topic]
	if !ok {
		return fmt.Errorf("not joined to topic %s", topic)
	}
	return t.Publish(ctx, data)
}

func (n *Node) maintainPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.discoverPeers()
			n.pruneStale()
		}
	}
}

func (n *Node) discoverPeers() {
	if n.PeerCount() >= n.maxPeers {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	peerChan, err := n.discovery.FindPeers(ctx, rendezvous)
	if err != nil {
		n.logger.Debug("peer discovery failed", zap.Error(err))
		return
	}

	for p := range peerChan {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}

		n.mu.RLock()
		_, exists := n.peers[p.ID]
		full := len(n.peers) >= n.maxPeers
		n.mu.RUnlock()

		if !exists && !full {
			if err := n.host.Connect(ctx, p); err == nil {
				n.addPeer(p.ID, p.Addrs)
			}
		}
	}
}

func (n *Node) pruneStale() {
	n.mu.Lock()
	defer n.mu.Unlock()

	staleThreshold := time.Now().Add(-5 * time.Minute)
	for id, p := range n.peers {
		if p.LastSeen.Before(staleThreshold) {
			n.host.Network().ClosePeer(id)
			delete(n.peers, id)
		}
	}
}

func (n *Node) connectToPeer(addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}

	peerInfo, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	if err := n.host.Connect(ctx, *peerInfo); err != nil {
		return err
	}

	n.addPeer(peerInfo.ID, peerInfo.Addrs)
	return nil
}

func (n *Node) addPeer(id peer.ID, addrs []multiaddr.Multiaddr) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	n.peers[id] = &PeerInfo{
		ID:          id,
		Addrs:       addrs,
		ConnectedAt: now,
		LastSeen:    now,
	}
}

func (n *Node) onPeerConnected(_ network.Network, conn network.Conn) {
	n.addPeer(conn.RemotePeer(), []multiaddr.Multiaddr{conn.RemoteMultiaddr()})
}

func (n *Node) onPeerDisconnected(_ network.Network, conn network.Conn) {
	n.mu.Lock()
	delete(n.peers, conn.RemotePeer())
	n.mu.Unlock()
}

func (n *Node) setupMDNS() error {
	service := mdns.NewMdnsService(n.host, mdnsTag, &mdnsNotifee{node: n})
	return service.Start()
}

type mdnsNotifee struct {
	node *Node
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.node.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(m.node.ctx, 5*time.Second)
	defer cancel()
	if err := m.node.host.Connect(ctx, pi); err != nil {
		m.node.logger.Debug("mDNS peer unreachable", zap.String("id", pi.ID.String()), zap.Error(err))
	}
}

// ID returns the node's peer ID
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's listen addresses
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// PeerCount returns the number of connected peers
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Peers returns information about connected peers
func (n *Node) Peers() []*PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]*PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}

// Close shuts down the node
func (n *Node) Close() error {
	n.cancel()

	for _, sub := range n.subs {
		sub.Cancel()
	}
	if n.dht != nil {
		n.dht.Close()
	}

	return n.host.Close()
}
