// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package task implements TorrentTask: the orchestrator that owns a
// torrent's PieceStore, FileManager, StateFile, PieceSelector and peer
// connections, wiring wire events to piece storage and emitting the
// engine's external event stream.
package task

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/bandwidth"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/filestore"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/metainfo"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/piecestore"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/selector"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/statefile"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/superseed"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/webseed"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/wire"
)

// Task-level errors.
var (
	ErrAlreadyStarted  = errors.New("task: already started")
	ErrNotRunning      = errors.New("task: not running")
	ErrStopped         = errors.New("task: stopped")
	ErrPeerSourceBlocked = errors.New("task: peer source not permitted on a private torrent")
)

// State is the task's top-level lifecycle state.
type State int

const (
	StateInit State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Mode tags what a Running task is currently doing.
type Mode int

const (
	ModeDownloading Mode = iota
	ModeSeeding
	ModeSuperSeeding
)

func (m Mode) String() string {
	switch m {
	case ModeDownloading:
		return "downloading"
	case ModeSeeding:
		return "seeding"
	case ModeSuperSeeding:
		return "super_seeding"
	default:
		return "unknown"
	}
}

// Config tunes the orchestrator's resource limits and policy.
type Config struct {
	ClientTag           string        `yaml:"client_tag"`
	MaxDialConcurrency  int           `yaml:"max_dial_concurrency" validate:"min=1"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	StateSaveDebounce    time.Duration `yaml:"state_save_debounce"`
	EnableSuperSeeding  bool          `yaml:"enable_super_seeding"`
	Bandwidth           bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.ClientTag == "" {
		c.ClientTag = "GT0001"
	}
	if c.MaxDialConcurrency == 0 {
		c.MaxDialConcurrency = 40
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.StateSaveDebounce == 0 {
		c.StateSaveDebounce = 2 * time.Second
	}
	return c
}

// Dialer abstracts outbound TCP dialing so tests can substitute an
// in-memory pipe instead of a real socket.
type Dialer interface {
	Dial(addr core.PeerAddr, timeout time.Duration) (net.Conn, error)
}

// netDialer is the production Dialer, wrapping net.DialTimeout.
type netDialer struct{}

func (netDialer) Dial(addr core.PeerAddr, timeout time.Duration) (net.Conn, error) {
	network := "tcp"
	if addr.Transport == core.TransportUTP {
		network = "udp" // uTP rides UDP; a real uTP stack would wrap this.
	}
	return net.DialTimeout(network, fmt.Sprintf("%s:%d", addr.IP, addr.Port), timeout)
}

// Task is the per-torrent orchestrator. One Task exists per active
// torrent; the embedder is expected to create one per download/seed.
type Task struct {
	cfg Config
	clk clock.Clock
	log *zap.SugaredLogger

	model *metainfo.TorrentModel
	Pieces *piecestore.Store
	Files  *filestore.Manager
	State  *statefile.Store
	Sel    *selector.Selector

	seeder *superseed.Seeder
	web    *webseed.Fetcher
	scope  tally.Scope
	limiter *bandwidth.Limiter

	bus         *core.Bus
	localPeerID core.PeerID
	dialer      Dialer
	isPrivate   bool

	mu       sync.Mutex
	state    State
	mode     Mode
	peers    map[core.PeerAddr]*peerConn
	coolDown map[core.PeerAddr]time.Time
	dialSem  *semaphore.Weighted
	dialing  bool

	saveTimerArmed bool
	dirtyPieces    bool
}

// New builds a Task wired to already-constructed component instances.
// Callers are expected to have run FileManager.Validate and
// StateFile.Load beforehand to seed Pieces' bitfield correctly.
func New(
	cfg Config,
	model *metainfo.TorrentModel,
	pieces *piecestore.Store,
	files *filestore.Manager,
	state *statefile.Store,
	sel *selector.Selector,
	bus *core.Bus,
	localPeerID core.PeerID,
	dialer Dialer,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Task {
	cfg = cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if dialer == nil {
		dialer = netDialer{}
	}
	if clk == nil {
		clk = clock.New()
	}
	// cfg.Bandwidth.Enable defaults false, so ReserveEgress/ReserveIngress
	// are no-ops until a caller opts in via Config or SetBandwidthLimiter.
	limiter, err := bandwidth.NewLimiter(cfg.Bandwidth, bandwidth.WithLogger(logger))
	if err != nil {
		logger.Warnw("bandwidth limiter config rejected, running unthrottled", "error", err)
		limiter, _ = bandwidth.NewLimiter(bandwidth.Config{})
	}
	t := &Task{
		cfg:         cfg,
		clk:         clk,
		log:         logger,
		model:       model,
		Pieces:      pieces,
		Files:       files,
		State:       state,
		Sel:         sel,
		bus:         bus,
		localPeerID: localPeerID,
		dialer:      dialer,
		scope:       tally.NoopScope,
		limiter:     limiter,
		isPrivate:   model.IsPrivate,
		state:       StateInit,
		mode:        ModeDownloading,
		peers:       make(map[core.PeerAddr]*peerConn),
		coolDown:    make(map[core.PeerAddr]time.Time),
		dialSem:     semaphore.NewWeighted(int64(cfg.MaxDialConcurrency)),
	}
	if pieces.Bitfield().HaveAll() {
		t.mode = ModeSeeding
	}
	return t
}

// SetWebSeeder attaches a BEP 19 fallback fetcher; optional.
func (t *Task) SetWebSeeder(w *webseed.Fetcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.web = w
}

// SetScope attaches a stats scope peers/pieces are reported against;
// optional, defaults to a no-op scope.
func (t *Task) SetScope(scope tally.Scope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if scope != nil {
		t.scope = scope
	}
}

// SetBandwidthLimiter attaches a token-bucket limiter peerConn reserves
// egress/ingress bytes against before writing or after reading a Piece
// message; optional, defaults to a disabled no-op limiter.
func (t *Task) SetBandwidthLimiter(l *bandwidth.Limiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l != nil {
		t.limiter = l
	}
}

// EnableSuperSeeding switches a fully-seeded task into BEP 16
// super-seeding mode. Per §4.7, only meaningful once the task is
// complete; the caller opts in explicitly.
func (t *Task) EnableSuperSeeding() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Pieces.Bitfield().HaveAll() {
		return errors.New("task: cannot super-seed an incomplete torrent")
	}
	t.seeder = superseed.New(t.Pieces.NumPieces())
	t.mode = ModeSuperSeeding
	return nil
}

// bandwidthLimiter returns the currently attached limiter; always
// non-nil (defaults to a disabled no-op limiter set in New).
func (t *Task) bandwidthLimiter() *bandwidth.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiter
}

func (t *Task) infoHash() core.InfoHash {
	if !t.model.InfoHashV1.IsZero() {
		return t.model.InfoHashV1
	}
	return t.model.InfoHashV2
}

func (t *Task) envelope() core.Envelope {
	return core.Envelope{InfoHash: t.infoHash(), At: time.Now()}
}

func (t *Task) publish(ev core.Event) {
	if t.bus != nil {
		t.bus.Publish(ev)
	}
}

// Start transitions Init -> Starting -> Running and begins accepting
// discovered peers for dialing.
func (t *Task) Start() error {
	t.mu.Lock()
	if t.state != StateInit {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.state = StateStarting
	t.dialing = true
	t.state = StateRunning
	t.mu.Unlock()

	t.publish(core.TaskStartedEvent{Envelope: t.envelope()})
	return nil
}

// Pause stops dialing new peers and chokes every connected peer, while
// keeping sockets and keep-alives open per §4.9.
func (t *Task) Pause() error {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return ErrNotRunning
	}
	t.state = StatePaused
	t.dialing = false
	peers := t.snapshotPeersLocked()
	t.mu.Unlock()

	for _, p := range peers {
		p.sendChoke()
	}
	t.publish(core.TaskPausedEvent{Envelope: t.envelope()})
	return nil
}

// Resume re-enables dialing and piece selection after a Pause.
func (t *Task) Resume() error {
	t.mu.Lock()
	if t.state != StatePaused {
		t.mu.Unlock()
		return errors.New("task: not paused")
	}
	t.state = StateRunning
	t.dialing = true
	peers := t.snapshotPeersLocked()
	t.mu.Unlock()

	for _, p := range peers {
		p.sendUnchoke()
		t.pokePeer(p)
	}
	t.publish(core.TaskResumedEvent{Envelope: t.envelope()})
	return nil
}

// Stop closes every peer, flushes the state file, and closes files.
// Safe to call from Running or Paused; reason is surfaced in the
// TaskStopped event.
func (t *Task) Stop(reason string) error {
	t.mu.Lock()
	if t.state == StateStopped || t.state == StateStopping {
		t.mu.Unlock()
		return nil
	}
	t.state = StateStopping
	peers := t.snapshotPeersLocked()
	t.peers = make(map[core.PeerAddr]*peerConn)
	t.mu.Unlock()

	var closeErrs error
	for _, p := range peers {
		if err := p.close(); err != nil {
			closeErrs = multierr.Append(closeErrs, err)
		}
	}

	t.flushState()

	if t.Files != nil {
		if err := t.Files.Close(); err != nil {
			closeErrs = multierr.Append(closeErrs, err)
		}
	}
	if closeErrs != nil {
		t.log.Warnw("errors closing peers/files on stop", "error", closeErrs)
	}

	t.mu.Lock()
	t.state = StateStopped
	t.mu.Unlock()

	t.publish(core.TaskStoppedEvent{Envelope: t.envelope(), Reason: reason})
	return nil
}

func (t *Task) snapshotPeersLocked() []*peerConn {
	out := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Snapshot returns the current lifecycle state and mode.
func (t *Task) Snapshot() (State, Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.mode
}

// NumPeers returns the number of currently connected peers.
func (t *Task) NumPeers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// AddDiscoveredPeer enqueues addr for dialing, subject to the dedupe
// table, the dial-concurrency cap, and BEP 27 private-torrent source
// filtering (only tracker and manual sources are honored for private
// torrents).
func (t *Task) AddDiscoveredPeer(addr core.PeerAddr, source core.PeerSource) error {
	if t.isPrivate && source != core.PeerSourceTracker && source != core.PeerSourceManual {
		return ErrPeerSourceBlocked
	}

	t.mu.Lock()
	if !t.dialing {
		t.mu.Unlock()
		return nil
	}
	if _, exists := t.peers[addr]; exists {
		t.mu.Unlock()
		return nil
	}
	if until, ok := t.coolDown[addr]; ok && t.clk.Now().Before(until) {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	go t.dialOne(addr, source)
	return nil
}

// AcceptPeer registers an already-accepted inbound connection, bypassing
// the dial path and its concurrency cap entirely, per §4.9.
func (t *Task) AcceptPeer(conn net.Conn, hs wire.Handshake, addr core.PeerAddr) error {
	return t.registerConn(conn, hs, addr, core.PeerSourceIncoming)
}

func (t *Task) dialOne(addr core.PeerAddr, source core.PeerSource) {
	if !t.dialSem.TryAcquire(1) {
		// At capacity; drop silently, discovery will resurface the peer.
		return
	}
	defer t.dialSem.Release(1)

	conn, err := t.dialer.Dial(addr, t.cfg.DialTimeout)
	if err != nil {
		t.setCoolDown(addr)
		return
	}

	hs := wire.Handshake{
		Extended: true,
		Fast:     true,
		V2:       t.model.Version != metainfo.VersionV1,
		InfoHash: t.model.WireInfoHash(),
		PeerID:   t.localPeerID,
	}
	if _, err := conn.Write(hs.Encode()); err != nil {
		conn.Close()
		t.setCoolDown(addr)
		return
	}
	buf := make([]byte, wire.HandshakeLen)
	if _, err := readFull(conn, buf); err != nil {
		conn.Close()
		t.setCoolDown(addr)
		return
	}
	remoteHS, err := wire.ParseHandshake(buf)
	if err != nil {
		conn.Close()
		t.setCoolDown(addr)
		return
	}

	if err := t.registerConn(conn, remoteHS, addr, source); err != nil {
		conn.Close()
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (t *Task) setCoolDown(addr core.PeerAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.coolDown[addr] = t.clk.Now().Add(30 * time.Second)
}

func (t *Task) registerConn(conn net.Conn, hs wire.Handshake, addr core.PeerAddr, source core.PeerSource) error {
	t.mu.Lock()
	if _, exists := t.peers[addr]; exists {
		t.mu.Unlock()
		return fmt.Errorf("task: peer %s already connected", addr)
	}
	numPieces := t.Pieces.NumPieces()
	t.mu.Unlock()

	wc := wire.NewConn(conn, addr, hs.PeerID, hs, numPieces, t.clk, wire.Config{})
	p := newPeerConn(t, wc, source)

	t.mu.Lock()
	t.peers[addr] = p
	delete(t.coolDown, addr)
	t.mu.Unlock()

	p.start()

	t.scope.Counter("peers_connected").Inc(1)
	t.publish(core.PeerConnectedEvent{Envelope: t.envelope(), Addr: addr, Source: source})

	if t.mode == ModeSuperSeeding && t.seeder != nil {
		t.offerSuperSeedPiece(p)
	} else {
		t.sendInitialBitfield(p)
	}
	return nil
}

func (t *Task) sendInitialBitfield(p *peerConn) {
	bf := t.Pieces.Bitfield()
	if bf.HaveAll() {
		p.conn.WriteMessage(wire.Message{ID: wire.HaveAll})
		return
	}
	if bf.HaveNone() {
		p.conn.WriteMessage(wire.Message{ID: wire.HaveNone})
		return
	}
	p.conn.WriteMessage(wire.Message{ID: wire.BitfieldMsg, Block: bf.WireBytes()})
}

// offerSuperSeedPiece suppresses the normal bitfield/have-all and sends
// a single HAVE for the rarest piece not yet offered, per §4.7.
func (t *Task) offerSuperSeedPiece(p *peerConn) {
	idx, ok := t.seeder.PeerConnected(p.peerID(), availabilityView{t.Pieces})
	if !ok {
		return
	}
	p.conn.WriteMessage(wire.Message{ID: wire.Have, Index: uint32(idx)})
}

type availabilityView struct {
	pieces *piecestore.Store
}

func (a availabilityView) Availability(index int) int { return a.pieces.Availability(index) }

func (t *Task) removePeer(p *peerConn, reason string) {
	t.mu.Lock()
	if cur, ok := t.peers[p.addr()]; !ok || cur != p {
		t.mu.Unlock()
		return
	}
	delete(t.peers, p.addr())
	t.mu.Unlock()

	for i := 0; i < t.Pieces.NumPieces(); i++ {
		if p.conn.RemoteBitfield.Get(uint(i)) {
			t.Pieces.ClearPeerHasPiece(i)
		}
	}
	t.Pieces.ReleasePeer(p.peerID())
	if t.seeder != nil {
		t.seeder.ReleasePeer(p.peerID())
	}

	t.scope.Counter("peers_disconnected").Inc(1)
	t.publish(core.PeerDisconnectedEvent{Envelope: t.envelope(), Addr: p.addr(), Reason: reason})
}

// pokePeer asks the selector for the next piece to request from p and
// issues as many block requests as the congestion window allows.
func (t *Task) pokePeer(p *peerConn) {
	t.mu.Lock()
	running := t.state == StateRunning
	t.mu.Unlock()
	if !running {
		return
	}

	for p.conn.CanRequest() {
		idx, ok := t.Sel.Select(
			p.conn.RemoteBitfield,
			t.Pieces.Bitfield(),
			p.conn.ChokeMe,
			p.allowedFastSet(),
			availabilityView{t.Pieces},
		)
		if !ok {
			return
		}
		begin, length, ok, err := t.Pieces.RequestBlock(p.peerID(), idx)
		if err != nil || !ok {
			return
		}
		p.conn.TrackRequest(uint32(idx), uint32(begin))
		p.conn.WriteMessage(wire.Message{
			ID:     wire.Request,
			Index:  uint32(idx),
			Begin:  uint32(begin),
			Length: uint32(length),
		})
	}
}

// cancelDuplicateRequest sends CANCEL to every peer in targets that still
// has an outstanding request for (index, begin), per endgame dedup (§4.3:
// "upon first receive, the Task issues CANCEL for the other outstanding
// copies"), and removes the request from each peer's in-flight set so a
// late PIECE for it isn't flagged as a protocol violation.
func (t *Task) cancelDuplicateRequest(index, begin, length uint32, targets []core.PeerID) {
	if len(targets) == 0 {
		return
	}
	want := make(map[core.PeerID]bool, len(targets))
	for _, id := range targets {
		want[id] = true
	}

	t.mu.Lock()
	peers := t.snapshotPeersLocked()
	t.mu.Unlock()

	for _, p := range peers {
		if !want[p.peerID()] {
			continue
		}
		p.conn.UntrackRequest(index, begin)
		p.conn.WriteMessage(wire.Message{ID: wire.Cancel, Index: index, Begin: begin, Length: length})
	}
}

// onPieceVerified broadcasts HAVE, emits PieceCompleted, schedules a
// debounced state-file save, and checks for task completion.
func (t *Task) onPieceVerified(index int) {
	t.scope.Counter("pieces_completed").Inc(1)
	t.publish(core.PieceCompletedEvent{Envelope: t.envelope(), Index: index})

	t.mu.Lock()
	peers := t.snapshotPeersLocked()
	t.mu.Unlock()
	for _, p := range peers {
		p.conn.WriteMessage(wire.Message{ID: wire.Have, Index: uint32(index)})
	}

	t.scheduleStateSave()

	if t.Files != nil {
		// File-level completion is a FileManager concern the caller
		// layers on top of piece completion via its own offset math;
		// a full implementation would map index to covered files here.
	}

	if t.Pieces.Bitfield().HaveAll() {
		t.mu.Lock()
		t.mode = ModeSeeding
		t.mu.Unlock()
		t.publish(core.TaskCompletedEvent{Envelope: t.envelope()})
	}
}

// scheduleStateSave debounces state-file rewrites so a burst of piece
// completions collapses into a single save, per §4.9 ("state-file is
// not rewritten unless a verified piece changed; a debounced timer
// collapses bursts").
func (t *Task) scheduleStateSave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirtyPieces = true
	if t.saveTimerArmed {
		return
	}
	t.saveTimerArmed = true
	delay := t.cfg.StateSaveDebounce
	go func() {
		<-t.clk.After(delay)
		t.flushState()
	}()
}

func (t *Task) flushState() {
	t.mu.Lock()
	if !t.dirtyPieces {
		t.mu.Unlock()
		return
	}
	t.dirtyPieces = false
	t.saveTimerArmed = false
	t.mu.Unlock()

	if t.State == nil {
		return
	}
	st := &statefile.State{
		InfoHash: t.wireInfoHashBytes(),
		Bitfield: t.Pieces.Bitfield(),
	}
	if err := t.State.Save(st); err != nil {
		t.log.Warnw("state file save failed", "error", err)
		return
	}
	t.publish(core.StateFileUpdatedEvent{Envelope: t.envelope()})
}

func (t *Task) wireInfoHashBytes() []byte {
	h := t.model.WireInfoHash()
	return h[:]
}
