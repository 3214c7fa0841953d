package consensus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/accuscene/corefabric/internal/wire"
	"github.com/accuscene/corefabric/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
)

// Role is the exactly-one role a node occupies at any moment.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// RequestVoteArgs carries a candidate's solicitation for votes.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  wire.NodeID
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is a peer's response to a vote solicitation.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs carries a leader's heartbeat or log replication request.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     wire.NodeID
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesReply is a follower's response to AppendEntries.
type AppendEntriesReply struct {
	Term       uint64
	Success    bool
	MatchIndex uint64
	FollowerID wire.NodeID
}

// Peer is the RPC surface the engine needs against a remote node. A
// transport package implements this over the wire protocol; tests can
// substitute an in-memory stub.
type Peer interface {
	ID() wire.NodeID
	RequestVote(ctx context.Context, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(ctx context.Context, args AppendEntriesArgs) (AppendEntriesReply, error)
}

// Config governs election timing and log size policy.
type Config struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	MaxLogSize         int
}

// DefaultConfig returns the spec's stated election timeout range (150-300ms).
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		MaxLogSize:         10000,
	}
}

// indexTracker tracks next_index/match_index per follower, used by the
// leader to decide what to send and when a majority has replicated an
// index.
type indexTracker struct {
	mu         sync.Mutex
	nextIndex  map[wire.NodeID]uint64
	matchIndex map[wire.NodeID]uint64
}

func newIndexTracker() *indexTracker {
	return &indexTracker{
		nextIndex:  make(map[wire.NodeID]uint64),
		matchIndex: make(map[wire.NodeID]uint64),
	}
}

func (t *indexTracker) initFollower(id wire.NodeID, lastLogIndex uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextIndex[id] = lastLogIndex + 1
	t.matchIndex[id] = 0
}

func (t *indexTracker) getNextIndex(id wire.NodeID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.nextIndex[id]; ok {
		return v
	}
	return 1
}

func (t *indexTracker) updateSuccess(id wire.NodeID, matchIndex uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.matchIndex[id] = matchIndex
	t.nextIndex[id] = matchIndex + 1
}

func (t *indexTracker) updateFailure(id wire.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if next, ok := t.nextIndex[id]; ok && next > 1 {
		t.nextIndex[id] = next - 1
	}
}

func (t *indexTracker) matchIndexesSnapshot() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.matchIndex))
	for _, v := range t.matchIndex {
		out = append(out, v)
	}
	return out
}

// Engine is the Raft-style consensus state machine for one node.
type Engine struct {
	id     wire.NodeID
	config Config
	log    *Log

	mu          sync.Mutex
	role        Role
	currentTerm uint64
	votedFor    wire.NodeID
	hasVotedFor bool
	leaderID    wire.NodeID
	hasLeader   bool

	peers   map[wire.NodeID]Peer
	tracker *indexTracker

	electionReset chan struct{}
	onRoleChange  func(Role, uint64)

	lastReplicationErr error
}

// New constructs a consensus Engine starting as a follower in term 0.
func New(id wire.NodeID, cfg Config, log *Log) *Engine {
	return &Engine{
		id:            id,
		config:        cfg,
		log:           log,
		role:          RoleFollower,
		peers:         make(map[wire.NodeID]Peer),
		tracker:       newIndexTracker(),
		electionReset: make(chan struct{}, 1),
	}
}

// SetPeers replaces the set of known peers the engine solicits votes from
// and replicates to.
func (e *Engine) SetPeers(peers []Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers = make(map[wire.NodeID]Peer, len(peers))
	for _, p := range peers {
		e.peers[p.ID()] = p
	}
}

// OnRoleChange registers a callback invoked whenever the engine's role
// transitions, primarily for observability.
func (e *Engine) OnRoleChange(fn func(Role, uint64)) {
	e.mu.Lock()
	e.onRoleChange = fn
	e.mu.Unlock()
}

// Role returns the engine's current role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Term returns the engine's current term.
func (e *Engine) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTerm
}

// IsLeader reports whether this node currently believes itself the leader.
func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role == RoleLeader
}

func (e *Engine) setRole(role Role) {
	if e.role == role {
		return
	}
	e.role = role
	if e.onRoleChange != nil {
		go e.onRoleChange(role, e.currentTerm)
	}
}

// randomElectionTimeout returns a randomized duration in
// [ElectionTimeoutMin, ElectionTimeoutMax), per the spec's 150-300ms range.
func (e *Engine) randomElectionTimeout() time.Duration {
	lo := e.config.ElectionTimeoutMin
	hi := e.config.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// Run drives the election timer and, while leader, the heartbeat loop.
// It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		e.mu.Lock()
		role := e.role
		e.mu.Unlock()

		if role == RoleLeader {
			e.leaderLoop(ctx)
			continue
		}

		timeout := e.randomElectionTimeout()
		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.electionReset:
			timer.Stop()
		case <-timer.C:
			e.startElection(ctx)
		}
	}
}

// resetElectionTimer signals the run loop to restart its election timeout,
// called whenever the node observes evidence of a live leader.
func (e *Engine) resetElectionTimer() {
	select {
	case e.electionReset <- struct{}{}:
	default:
	}
}

func (e *Engine) startElection(ctx context.Context) {
	e.mu.Lock()
	e.setRole(RoleCandidate)
	e.currentTerm++
	term := e.currentTerm
	e.votedFor = e.id
	e.hasVotedFor = true
	e.hasLeader = false
	peers := make([]Peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.Unlock()

	lastIndex, lastTerm := e.log.LastLogInfo()
	args := RequestVoteArgs{
		Term:         term,
		CandidateID:  e.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	votes := 1 // vote for self
	var votesMu sync.Mutex

	p := pool.New().WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		p.Go(func(ctx context.Context) error {
			reply, err := peer.RequestVote(ctx, args)
			if err != nil {
				return nil // unreachable peer: not a fatal election error
			}
			votesMu.Lock()
			defer votesMu.Unlock()

			e.mu.Lock()
			defer e.mu.Unlock()
			if reply.Term > e.currentTerm {
				e.stepDownLocked(reply.Term)
				return nil
			}
			if e.role != RoleCandidate || e.currentTerm != term {
				return nil
			}
			if reply.VoteGranted {
				votes++
			}
			return nil
		})
	}
	_ = p.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.role != RoleCandidate || e.currentTerm != term {
		return
	}
	majority := (len(peers)+1)/2 + 1 // strict majority of the full cluster (peers plus self)
	if votes >= majority {
		e.becomeLeaderLocked()
	}
}

// becomeLeaderLocked transitions to leader and initializes per-follower
// index tracking. Must be called with mu held.
func (e *Engine) becomeLeaderLocked() {
	e.setRole(RoleLeader)
	e.leaderID = e.id
	e.hasLeader = true
	lastIndex, _ := e.log.LastLogInfo()
	for id := range e.peers {
		e.tracker.initFollower(id, lastIndex)
	}
}

// stepDownLocked reverts to follower upon observing a higher term. Must be
// called with mu held.
func (e *Engine) stepDownLocked(term uint64) {
	e.currentTerm = term
	e.hasVotedFor = false
	e.hasLeader = false
	e.setRole(RoleFollower)
}

func (e *Engine) leaderLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			stillLeader := e.role == RoleLeader
			peers := make([]Peer, 0, len(e.peers))
			for _, p := range e.peers {
				peers = append(peers, p)
			}
			e.mu.Unlock()
			if !stillLeader {
				return
			}
			e.replicateToAll(ctx, peers)
		}
	}
}

// replicateToAll fans out AppendEntries to every peer concurrently; a slow
// peer must not block replication to others.
// replicateToAll fans AppendEntries out to every peer concurrently. A
// single unreachable peer never blocks replication to the rest; every
// peer's send failure is aggregated via multierr and stashed for
// LastReplicationError so a caller watching cluster health can see the
// whole round's failures instead of only the first one encountered.
func (e *Engine) replicateToAll(ctx context.Context, peers []Peer) {
	var mu sync.Mutex
	var errs error
	p := pool.New().WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		p.Go(func(ctx context.Context) error {
			if err := e.replicateTo(ctx, peer); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = p.Wait()

	e.mu.Lock()
	e.lastReplicationErr = errs
	e.mu.Unlock()

	e.advanceCommitIndex(len(peers))
}

// LastReplicationError returns the aggregated per-peer AppendEntries
// failures from the most recently completed replication round, or nil
// if every peer was reachable.
func (e *Engine) LastReplicationError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReplicationErr
}

func (e *Engine) replicateTo(ctx context.Context, peer Peer) error {
	e.mu.Lock()
	term := e.currentTerm
	leaderCommit := e.log.CommitIndex()
	nextIndex := e.tracker.getNextIndex(peer.ID())
	e.mu.Unlock()

	prevIndex := nextIndex - 1
	prevTerm, _ := e.log.TermAt(prevIndex)
	entries := e.log.GetFrom(nextIndex, 0)

	args := AppendEntriesArgs{
		Term:         term,
		LeaderID:     e.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}

	reply, err := peer.AppendEntries(ctx, args)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if reply.Term > e.currentTerm {
		e.stepDownLocked(reply.Term)
		return nil
	}
	if e.role != RoleLeader {
		return nil
	}

	if reply.Success {
		e.tracker.updateSuccess(peer.ID(), reply.MatchIndex)
	} else {
		e.tracker.updateFailure(peer.ID())
	}
	return nil
}

// advanceCommitIndex implements the mandatory leader commit rule: advance
// to the largest N such that a majority of followers have match_index >= N
// AND log[N].term == current_term. The term check is not optional — without
// it a leader could commit an entry replicated from a prior term before it
// is actually safe to do so.
func (e *Engine) advanceCommitIndex(peerCount int) {
	e.mu.Lock()
	if e.role != RoleLeader {
		e.mu.Unlock()
		return
	}
	currentTerm := e.currentTerm
	e.mu.Unlock()

	matches := e.tracker.matchIndexesSnapshot()
	// Leader implicitly matches its own last log index.
	lastIndex, _ := e.log.LastLogInfo()
	matches = append(matches, lastIndex)

	majority := (peerCount+1)/2 + 1

	candidate := e.log.CommitIndex()
	for n := lastIndex; n > candidate; n-- {
		term, ok := e.log.TermAt(n)
		if !ok || term != currentTerm {
			continue // mandatory safety check: never commit a prior-term entry directly
		}
		count := 0
		for _, m := range matches {
			if m >= n {
				count++
			}
		}
		if count >= majority {
			e.log.SetCommitIndex(n)
			break
		}
	}
}

// HandleRequestVote processes an incoming vote solicitation and returns the
// engine's reply.
func (e *Engine) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	e.mu.Lock()
	defer e.mu.Unlock()

	if args.Term < e.currentTerm {
		return RequestVoteReply{Term: e.currentTerm, VoteGranted: false}
	}
	if args.Term > e.currentTerm {
		e.stepDownLocked(args.Term)
	}

	lastIndex, lastTerm := e.log.LastLogInfo()
	logUpToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	canVote := !e.hasVotedFor || e.votedFor == args.CandidateID
	if canVote && logUpToDate {
		e.votedFor = args.CandidateID
		e.hasVotedFor = true
		e.resetElectionTimer()
		return RequestVoteReply{Term: e.currentTerm, VoteGranted: true}
	}
	return RequestVoteReply{Term: e.currentTerm, VoteGranted: false}
}

// HandleAppendEntries processes an incoming AppendEntries RPC (heartbeat or
// replication) and returns the engine's reply.
func (e *Engine) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	e.mu.Lock()

	if args.Term < e.currentTerm {
		reply := AppendEntriesReply{Term: e.currentTerm, Success: false, FollowerID: e.id}
		e.mu.Unlock()
		return reply
	}
	if args.Term > e.currentTerm || e.role != RoleFollower {
		e.stepDownLocked(args.Term)
	}
	e.leaderID = args.LeaderID
	e.hasLeader = true
	e.resetElectionTimer()
	e.mu.Unlock()

	if args.PrevLogIndex > 0 {
		term, ok := e.log.TermAt(args.PrevLogIndex)
		if !ok || term != args.PrevLogTerm {
			return AppendEntriesReply{Term: args.Term, Success: false, FollowerID: e.id}
		}
	}

	if len(args.Entries) > 0 {
		// Truncate any conflicting suffix before appending new entries.
		e.log.TruncateFrom(args.Entries[0].Index)
		if err := e.log.AppendBatch(args.Entries); err != nil {
			return AppendEntriesReply{Term: args.Term, Success: false, FollowerID: e.id}
		}
	}

	if args.LeaderCommit > e.log.CommitIndex() {
		lastIndex, _ := e.log.LastLogInfo()
		newCommit := args.LeaderCommit
		if lastIndex < newCommit {
			newCommit = lastIndex
		}
		e.log.SetCommitIndex(newCommit)
	}

	matchIndex, _ := e.log.LastLogInfo()
	return AppendEntriesReply{Term: args.Term, Success: true, MatchIndex: matchIndex, FollowerID: e.id}
}

// Propose appends a new entry to the leader's log under the current term.
// It returns NotLeader if this node is not currently the leader.
func (e *Engine) Propose(payload []byte) (uint64, error) {
	e.mu.Lock()
	if e.role != RoleLeader {
		e.mu.Unlock()
		return 0, errors.NewError(errors.ErrCodeNotLeader, "node is not the current leader").WithComponent("consensus")
	}
	term := e.currentTerm
	e.mu.Unlock()

	lastIndex, _ := e.log.LastLogInfo()
	entry := LogEntry{Term: term, Index: lastIndex + 1, Payload: payload, Timestamp: time.Now()}
	if err := e.log.Append(entry); err != nil {
		return 0, err
	}
	return entry.Index, nil
}

// Log exposes the underlying replicated log for application by the owning
// node's state machine.
func (e *Engine) Log() *Log { return e.log }

// BuildSnapshot captures stateMachineData (the caller's serialized state
// machine, opaque to this package) as of the log's current last-applied
// index, encodes it through codec, and compacts the log's prefix up to
// that index, per §4.5's "committed-and-applied entries may be
// snapshotted and discarded" allowance. The returned bytes are what a
// caller persists as the node's on-disk snapshot (§6 persisted state).
func (e *Engine) BuildSnapshot(codec *SnapshotCodec, stateMachineData []byte) []byte {
	lastApplied := e.log.LastApplied()
	term, _ := e.log.TermAt(lastApplied)

	snap := Snapshot{
		LastIncludedIndex: lastApplied,
		LastIncludedTerm:  term,
		Data:              stateMachineData,
	}
	blob := codec.Encode(snap)
	e.log.CompactTo(lastApplied + 1)
	return blob
}
