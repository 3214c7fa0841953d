package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/accuscene/corefabric/internal/wire"
	"github.com/accuscene/corefabric/pkg/utils"
)

// MessageType identifies which gossip message variant a payload carries.
type MessageType string

// The full gossip message set. Unlike the wire layer's fixed type codes,
// these are dispatched inside a Gossip-typed wire.Message and so carry
// human-readable tags.
const (
	MsgPing           MessageType = "ping"
	MsgAck            MessageType = "ack"
	MsgPingReq        MessageType = "ping_req"
	MsgSuspect        MessageType = "suspect"
	MsgAlive          MessageType = "alive"
	MsgDead           MessageType = "dead"
	MsgStateSync      MessageType = "state_sync"
	MsgStateSyncReply MessageType = "state_sync_reply"
)

// Envelope is the JSON payload carried inside a wire.Message of type Gossip.
type Envelope struct {
	Type MessageType     `json:"type"`
	From wire.NodeID     `json:"from"`
	Data json.RawMessage `json:"data"`
}

type pingPayload struct {
	Sequence uint64 `json:"sequence"`
}

type pingReqPayload struct {
	Target   wire.NodeID `json:"target"`
	Sequence uint64      `json:"sequence"`
}

type rumorPayload struct {
	NodeID      wire.NodeID `json:"node_id"`
	Incarnation uint32      `json:"incarnation"`
}

type deadPayload struct {
	NodeID wire.NodeID `json:"node_id"`
}

type memberSnapshot struct {
	NodeID      wire.NodeID `json:"node_id"`
	Addr        string      `json:"addr"`
	State       State       `json:"state"`
	Incarnation uint32      `json:"incarnation"`
	LastSeen    time.Time   `json:"last_seen"`
}

type stateSyncReplyPayload struct {
	Members []memberSnapshot `json:"members"`
}

// Transport sends a single framed gossip message to addr. Protocol is
// transport-agnostic over this interface so tests can substitute an
// in-memory transport.
type Transport interface {
	Send(ctx context.Context, addr string, msg wire.Message) error
}

// Config governs gossip protocol timing and dissemination behavior.
type Config struct {
	GossipInterval   time.Duration
	AckTimeout       time.Duration
	SuspectTimeout   time.Duration
	IndirectProbes   int
	Fanout           int
	MaxTransmissions int // 0 selects log2(N)-based default
}

// DefaultConfig returns the spec's stated defaults (gossip every 1s).
func DefaultConfig() Config {
	return Config{
		GossipInterval: time.Second,
		AckTimeout:     300 * time.Millisecond,
		SuspectTimeout: 5 * time.Second,
		IndirectProbes: 3,
		Fanout:         3,
	}
}

type pendingPing struct {
	target wire.NodeID
	sentAt time.Time
}

type suspicionTimer struct {
	startedAt time.Time
	timeout   time.Duration
}

func (s suspicionTimer) expired(now time.Time) bool {
	return now.Sub(s.startedAt) >= s.timeout
}

// Stats accumulates gossip protocol counters.
type Stats struct {
	mu               sync.RWMutex
	MessagesSent     uint64
	MessagesReceived uint64
	SuspicionsRaised uint64
	NodesMarkedDead  uint64
	RefutationsSent  uint64
}

func (s *Stats) recordSent() {
	s.mu.Lock()
	s.MessagesSent++
	s.mu.Unlock()
}

func (s *Stats) recordReceived() {
	s.mu.Lock()
	s.MessagesReceived++
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		MessagesSent:     s.MessagesSent,
		MessagesReceived: s.MessagesReceived,
		SuspicionsRaised: s.SuspicionsRaised,
		NodesMarkedDead:  s.NodesMarkedDead,
		RefutationsSent:  s.RefutationsSent,
	}
}

// Protocol is the gossip state machine for one node: it owns the
// membership table, dispatches and handles gossip messages, and runs the
// periodic probe loop.
type Protocol struct {
	localID   wire.NodeID
	localAddr string
	config    Config
	transport Transport
	table     *Table
	logger    *utils.StructuredLogger

	mu          sync.Mutex
	sequence    uint64
	pendingPing map[uint64]pendingPing
	suspicions  map[wire.NodeID]suspicionTimer
	transmits   map[wire.NodeID]uint32
	incarnation uint32

	stats  Stats
	stopCh chan struct{}
}

// New constructs a gossip Protocol seeded with the local node's own identity.
func New(localID wire.NodeID, localAddr string, cfg Config, transport Transport, logger *utils.StructuredLogger) *Protocol {
	p := &Protocol{
		localID:     localID,
		localAddr:   localAddr,
		config:      cfg,
		transport:   transport,
		table:       NewTable(),
		logger:      logger,
		pendingPing: make(map[uint64]pendingPing),
		suspicions:  make(map[wire.NodeID]suspicionTimer),
		transmits:   make(map[wire.NodeID]uint32),
		stopCh:      make(chan struct{}),
	}
	p.table.Upsert(localID, localAddr, StateAlive, 0)
	return p
}

// Table exposes the underlying membership table for read access by other
// subsystems (e.g. consensus peer enumeration).
func (p *Protocol) Table() *Table { return p.table }

// Join seeds the membership table with a known peer and sends it a
// StateSync request, used on first boot or after rejoining following a
// long partition.
func (p *Protocol) Join(ctx context.Context, peerAddr string) error {
	return p.sendEnvelope(ctx, peerAddr, MsgStateSync, struct{}{})
}

// Run starts the periodic probe and suspicion-expiry loop. It blocks until
// ctx is cancelled or Stop is called.
func (p *Protocol) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// Stop halts the probe loop.
func (p *Protocol) Stop() {
	close(p.stopCh)
}

func (p *Protocol) tick(ctx context.Context) {
	p.expireSuspicions()

	peers := p.table.Alive(p.localID)
	if len(peers) == 0 {
		return
	}
	target := peers[timeBasedIndex(len(peers))]
	p.probe(ctx, target)
}

// timeBasedIndex picks a pseudo-random index in [0, n) from the current
// wall-clock nanoseconds rather than math/rand's global source.
func timeBasedIndex(n int) int {
	if n <= 1 {
		return 0
	}
	return int(time.Now().UnixNano() % int64(n))
}

func (p *Protocol) probe(ctx context.Context, target Member) {
	p.mu.Lock()
	p.sequence++
	seq := p.sequence
	p.pendingPing[seq] = pendingPing{target: target.ID, sentAt: time.Now()}
	p.mu.Unlock()

	if err := p.sendEnvelope(ctx, target.Addr, MsgPing, pingPayload{Sequence: seq}); err != nil {
		p.logger.Warn("gossip ping send failed", map[string]interface{}{"target": target.ID, "error": err.Error()})
	}

	go p.awaitAck(ctx, seq, target)
}

func (p *Protocol) awaitAck(ctx context.Context, seq uint64, target Member) {
	timer := time.NewTimer(p.config.AckTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	p.mu.Lock()
	_, stillPending := p.pendingPing[seq]
	delete(p.pendingPing, seq)
	p.mu.Unlock()

	if !stillPending {
		return // ack arrived in the meantime
	}

	p.indirectProbe(ctx, target, seq)
}

func (p *Protocol) indirectProbe(ctx context.Context, target Member, origSeq uint64) {
	helpers := p.table.Alive(p.localID)
	sent := 0
	for _, h := range helpers {
		if h.ID == target.ID {
			continue
		}
		if sent >= p.config.IndirectProbes {
			break
		}
		p.mu.Lock()
		p.sequence++
		seq := p.sequence
		p.mu.Unlock()

		_ = p.sendEnvelope(ctx, h.Addr, MsgPingReq, pingReqPayload{Target: target.ID, Sequence: seq})
		sent++
	}

	p.startSuspicion(target.ID)
}

func (p *Protocol) startSuspicion(id wire.NodeID) {
	p.mu.Lock()
	_, already := p.suspicions[id]
	if !already {
		p.suspicions[id] = suspicionTimer{startedAt: time.Now(), timeout: p.config.SuspectTimeout}
	}
	p.mu.Unlock()
	if already {
		return
	}

	m, ok := p.table.Get(id)
	incarnation := uint32(0)
	if ok {
		incarnation = m.Incarnation
	}
	p.table.Upsert(id, "", StateSuspect, incarnation)
	p.stats.mu.Lock()
	p.stats.SuspicionsRaised++
	p.stats.mu.Unlock()
}

func (p *Protocol) expireSuspicions() {
	now := time.Now()
	var expired []wire.NodeID

	p.mu.Lock()
	for id, timer := range p.suspicions {
		if timer.expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(p.suspicions, id)
	}
	p.mu.Unlock()

	for _, id := range expired {
		m, ok := p.table.Get(id)
		incarnation := uint32(0)
		if ok {
			incarnation = m.Incarnation
		}
		if p.table.Upsert(id, "", StateDead, incarnation) {
			p.stats.mu.Lock()
			p.stats.NodesMarkedDead++
			p.stats.mu.Unlock()
		}
	}
}

// budget returns the transmission budget B for a rumor, defaulting to
// ceil(log2(N)) * lambda with lambda fixed at 3, matching the spec's
// log(N)*lambda default when MaxTransmissions is unset.
func (p *Protocol) budget() uint32 {
	if p.config.MaxTransmissions > 0 {
		return uint32(p.config.MaxTransmissions)
	}
	n := len(p.table.Members())
	if n < 2 {
		return 3
	}
	return uint32(math.Ceil(math.Log2(float64(n)))) * 3
}

func (p *Protocol) shouldTransmit(id wire.NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transmits[id] < p.budget()
}

func (p *Protocol) incrementTransmission(id wire.NodeID) {
	p.mu.Lock()
	p.transmits[id]++
	p.mu.Unlock()
}

// HandleMessage dispatches a received gossip envelope, delivered to this
// node as the payload of a wire.Message of type Gossip.
func (p *Protocol) HandleMessage(ctx context.Context, fromAddr string, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode gossip envelope: %w", err)
	}
	p.stats.recordReceived()

	switch env.Type {
	case MsgPing:
		return p.handlePing(ctx, fromAddr, env)
	case MsgAck:
		return p.handleAck(env)
	case MsgPingReq:
		return p.handlePingReq(ctx, env)
	case MsgSuspect:
		return p.handleSuspect(ctx, env)
	case MsgAlive:
		return p.handleAlive(env)
	case MsgDead:
		return p.handleDead(env)
	case MsgStateSync:
		return p.handleStateSync(ctx, fromAddr)
	case MsgStateSyncReply:
		return p.handleStateSyncReply(env)
	default:
		return fmt.Errorf("unknown gossip message type %q", env.Type)
	}
}

func (p *Protocol) handlePing(ctx context.Context, fromAddr string, env Envelope) error {
	var payload pingPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return err
	}
	p.table.Upsert(env.From, fromAddr, StateAlive, 0)
	return p.sendEnvelope(ctx, fromAddr, MsgAck, pingPayload{Sequence: payload.Sequence})
}

func (p *Protocol) handleAck(env Envelope) error {
	var payload pingPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.pendingPing, payload.Sequence)
	p.mu.Unlock()

	p.mu.Lock()
	_, wasSuspect := p.suspicions[env.From]
	delete(p.suspicions, env.From)
	p.mu.Unlock()
	if wasSuspect {
		m, ok := p.table.Get(env.From)
		if ok {
			p.table.Upsert(env.From, m.Addr, StateAlive, m.Incarnation)
		}
	}
	return nil
}

func (p *Protocol) handlePingReq(ctx context.Context, env Envelope) error {
	var payload pingReqPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return err
	}
	target, ok := p.table.Get(payload.Target)
	if !ok {
		return nil
	}
	return p.sendEnvelope(ctx, target.Addr, MsgPing, pingPayload{Sequence: payload.Sequence})
}

func (p *Protocol) handleSuspect(ctx context.Context, env Envelope) error {
	var payload rumorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return err
	}

	if payload.NodeID == p.localID {
		return p.refute(ctx)
	}

	if p.table.Upsert(payload.NodeID, "", StateSuspect, payload.Incarnation) {
		p.startSuspicion(payload.NodeID)
		if p.shouldTransmit(payload.NodeID) {
			p.incrementTransmission(payload.NodeID)
			_ = p.broadcast(ctx, MsgSuspect, payload)
		}
	}
	return nil
}

func (p *Protocol) handleAlive(env Envelope) error {
	var payload rumorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return err
	}
	if p.table.Upsert(payload.NodeID, "", StateAlive, payload.Incarnation) {
		p.mu.Lock()
		delete(p.suspicions, payload.NodeID)
		p.mu.Unlock()
	}
	return nil
}

func (p *Protocol) handleDead(env Envelope) error {
	var payload deadPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return err
	}
	m, ok := p.table.Get(payload.NodeID)
	incarnation := uint32(0)
	if ok {
		incarnation = m.Incarnation
	}
	if p.table.Upsert(payload.NodeID, "", StateDead, incarnation) {
		p.stats.mu.Lock()
		p.stats.NodesMarkedDead++
		p.stats.mu.Unlock()
	}
	return nil
}

func (p *Protocol) handleStateSync(ctx context.Context, fromAddr string) error {
	members := p.table.Members()
	snaps := make([]memberSnapshot, 0, len(members))
	for _, m := range members {
		snaps = append(snaps, memberSnapshot{NodeID: m.ID, Addr: m.Addr, State: m.State, Incarnation: m.Incarnation, LastSeen: m.LastSeen})
	}
	return p.sendEnvelope(ctx, fromAddr, MsgStateSyncReply, stateSyncReplyPayload{Members: snaps})
}

func (p *Protocol) handleStateSyncReply(env Envelope) error {
	var payload stateSyncReplyPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return err
	}
	for _, snap := range payload.Members {
		p.table.Upsert(snap.NodeID, snap.Addr, snap.State, snap.Incarnation)
	}
	return nil
}

// refute broadcasts an Alive claim about the local node at a bumped
// incarnation, overriding a Suspect rumor raised about it.
func (p *Protocol) refute(ctx context.Context) error {
	p.mu.Lock()
	p.incarnation++
	inc := p.incarnation
	p.mu.Unlock()

	p.table.Upsert(p.localID, p.localAddr, StateAlive, inc)
	p.stats.mu.Lock()
	p.stats.RefutationsSent++
	p.stats.mu.Unlock()

	return p.broadcast(ctx, MsgAlive, rumorPayload{NodeID: p.localID, Incarnation: inc})
}

// broadcast sends a rumor as its own gossip envelope to up to Fanout
// alive peers. A send failure to one peer never stops delivery to the
// rest; every failure is aggregated into the returned error so a caller
// that cares (unlike the fire-and-forget rumor spreading in handleSuspect)
// can see the whole round's fan-out failures, not just the first.
func (p *Protocol) broadcast(ctx context.Context, t MessageType, payload interface{}) error {
	peers := p.table.Alive(p.localID)
	n := p.config.Fanout
	if n > len(peers) {
		n = len(peers)
	}
	var err error
	for i := 0; i < n; i++ {
		if sendErr := p.sendEnvelope(ctx, peers[i].Addr, t, payload); sendErr != nil {
			err = multierr.Append(err, fmt.Errorf("broadcast to %s: %w", peers[i].Addr, sendErr))
		}
	}
	return err
}

func (p *Protocol) sendEnvelope(ctx context.Context, addr string, t MessageType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{Type: t, From: p.localID, Data: data}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := wire.NewMessage(wire.TypeGossip, p.localID, body)
	p.stats.recordSent()
	return p.transport.Send(ctx, addr, msg)
}

// Stats returns a snapshot of the protocol's counters.
func (p *Protocol) Stats() Stats {
	return p.stats.Snapshot()
}

// UDPTransport sends wire messages over a connectionless UDP socket, the
// transport this substrate uses for gossip traffic in production.
type UDPTransport struct {
	conn *net.UDPConn
}

// NewUDPTransport binds a UDP socket on listenAddr for gossip traffic.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{conn: conn}, nil
}

// Send writes an encoded message to the destination address. UDP gossip
// traffic is send-and-forget; loss is tolerated by the probe/retry cycle.
func (t *UDPTransport) Send(ctx context.Context, addr string, msg wire.Message) error {
	dest, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(msg.Encode(), dest)
	return err
}

// Serve reads inbound datagrams until ctx is cancelled, handing each
// decoded message to handle.
func (t *UDPTransport) Serve(ctx context.Context, handle func(ctx context.Context, fromAddr string, msg wire.Message)) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		handle(ctx, from.String(), msg)
	}
}

// Close releases the underlying socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
