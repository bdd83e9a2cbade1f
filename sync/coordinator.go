// coordinator.go drives the fast-warp pipeline end to end: bootstrap a
// pivot, catch up on headers, stream the flat state snapshot, reconcile it
// against the chain's moving target, and prune what the reconciliation
// found stale. It owns the phase transitions; each phase's own engine
// (blockSyncHandler/StateDownloader/TrieDownloader/Pruner) owns the work
// within that phase.
//
// The Coordinator never performs a blocking peer round trip itself.
// Request asks the active phase for its next outgoing message; the host
// sends it and feeds the reply back through Process. Suspension happens
// only at that boundary, represented by state the phase handler keeps
// (StateDownloader's cursor, TrieDownloader's in-flight bookkeeping), not
// by blocking inside either call.
package sync

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/warpsync/warpsync/core/types"
	"github.com/warpsync/warpsync/log"
)

// Phase names one step of the pipeline.
type Phase int

// Pipeline phases, in the order the Coordinator moves through them.
const (
	PhaseIdle Phase = iota
	PhaseBlockSync
	PhaseStateSync
	PhaseTrieSync
	PhaseDone
	PhaseError
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBlockSync:
		return "block-sync"
	case PhaseStateSync:
		return "state-sync"
	case PhaseTrieSync:
		return "trie-sync"
	case PhaseDone:
		return "done"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrNoActiveHandler is returned if Request or Process is somehow invoked
// in a running phase with no phase handler installed; this should not be
// reachable through normal use of the Coordinator.
var ErrNoActiveHandler = errors.New("coordinator: no active phase handler")

// OutgoingKind identifies which wire request an Outgoing value describes.
type OutgoingKind int

// Kinds of outgoing request a host may be asked to issue.
const (
	OutgoingNone OutgoingKind = iota
	OutgoingTotalDifficulty
	OutgoingBlockHeader
	OutgoingFastWarpData
	OutgoingNodeData
)

// String implements fmt.Stringer.
func (k OutgoingKind) String() string {
	switch k {
	case OutgoingNone:
		return "none"
	case OutgoingTotalDifficulty:
		return "total-difficulty"
	case OutgoingBlockHeader:
		return "block-header"
	case OutgoingFastWarpData:
		return "fast-warp-data"
	case OutgoingNodeData:
		return "node-data"
	default:
		return "unknown"
	}
}

// Outgoing is the next wire request Request asks the host to make of peer.
// The host issues it and feeds the reply back through Process as a Payload
// of the matching shape. OutgoingNone means there is nothing to send this
// round (the phase is waiting on something already in flight).
type Outgoing struct {
	Kind           OutgoingKind
	BlockNumber    uint64
	NextAccount    types.Hash
	NextStorageKey types.Hash
	Hashes         []types.Hash
}

// Payload carries the decoded reply to whatever Outgoing was most recently
// issued for peer. Exactly one field is populated, matching the Outgoing's
// Kind.
type Payload struct {
	TotalDifficulty *big.Int
	Header          *types.Header
	FastWarp        *FastWarpResponse
	NodeData        [][]byte
}

// phaseHandler is the live sub-component for the current phase: it knows
// how to produce its next outgoing request and how to fold a matching
// response back into its own state. The Coordinator holds exactly one in
// a single field, replaced wholesale on each phase transition rather than
// through an inheritance hierarchy.
type phaseHandler interface {
	request(peer Peer) (Outgoing, error)
	process(peer Peer, payload Payload) (Outcome, error)
}

// Coordinator is the fast-warp state machine. It is not safe for
// concurrent use: callers drive it with a single goroutine, typically in
// response to peer messages arriving on a dedicated event loop.
type Coordinator struct {
	cfg   Config
	log   *log.Logger
	store *Store

	phase    Phase
	handler  phaseHandler // nil while Idle, Done, or Error
	progress *ProgressTracker

	highestBlock uint64
	pivotNumber  uint64

	// Idle-phase bootstrap state: both must be known before BlockSync
	// can begin.
	pivotTD     *big.Int
	pivotHeader *types.Header

	// bestHeader is the most recently confirmed header. It seeds
	// BlockSync's loop and, at the StateSync -> TrieSync transition, its
	// Root is the "current best header" the reconciliation target is
	// captured from, per the pipeline's phase-transition rule.
	bestHeader *types.Header

	// headerDL is an escape-hatch header downloader a host can drive
	// directly (registering further peers, running deeper skeleton
	// verification); the Coordinator's own BlockSync loop is the simple
	// per-header Request/Process round described in the external
	// interface, since Peer itself only exposes single-header lookups.
	headerDL *HeaderDownloader

	snapshotRoot types.Hash // account trie root the snapshot built, pruned away once reconciled
	err          error
}

// NewCoordinator creates an idle Coordinator over the given store.
func NewCoordinator(cfg Config, store *Store) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	return &Coordinator{
		cfg:      cfg,
		log:      cfg.logger(),
		store:    store,
		phase:    PhaseIdle,
		progress: NewProgressTracker(),
	}, nil
}

// Phase returns the current pipeline phase.
func (c *Coordinator) Phase() Phase { return c.phase }

// IsDone reports whether the pipeline has finished.
func (c *Coordinator) IsDone() bool { return c.phase == PhaseDone }

// Err returns the error that moved the pipeline into PhaseError, if any.
func (c *Coordinator) Err() error { return c.err }

// Progress returns a snapshot of pipeline progress.
func (c *Coordinator) Progress() ProgressInfo { return c.progress.GetProgress() }

// BlocksDownloader exposes the header downloader driving deeper header
// verification, so a host can register additional peers with it directly;
// the Coordinator's own BlockSync phase does not route through it.
func (c *Coordinator) BlocksDownloader() *HeaderDownloader { return c.headerDL }

// Request asks the active phase for the next outgoing message to send to
// peer. highestBlock is the network's currently reported chain head; it is
// recorded on every call so the pipeline tracks a moving head while
// bootstrapping and during BlockSync. The host issues the returned Outgoing
// to peer and feeds the reply back through Process.
func (c *Coordinator) Request(peer Peer, highestBlock uint64) (Outgoing, error) {
	c.highestBlock = highestBlock

	switch c.phase {
	case PhaseIdle:
		return c.requestIdle(peer)
	case PhaseDone, PhaseError:
		return Outgoing{}, nil
	default:
		if c.handler == nil {
			return Outgoing{}, ErrNoActiveHandler
		}
		return c.handler.request(peer)
	}
}

// Process folds the reply to the most recently issued Outgoing into the
// active phase's state. Phase transitions occur only when the phase
// signals NextStep (advance) or Error (abort); an Invalid outcome leaves
// the phase as it is and returns the phase's error to the host. Payloads
// arriving in Idle/Done/Error outside the bootstrap handshake are discarded.
func (c *Coordinator) Process(peer Peer, payload Payload) error {
	switch c.phase {
	case PhaseIdle:
		return c.processIdle(payload)
	case PhaseDone, PhaseError:
		c.log.Debug("payload discarded", "phase", c.phase.String())
		return nil
	default:
		if c.handler == nil {
			return c.fail(ErrNoActiveHandler)
		}
		outcome, err := c.handler.process(peer, payload)
		if outcome == OutcomeInvalid {
			c.log.Warn("invalid response", "peer", peer.ID(), "phase", c.phase.String(), "err", err)
			return err
		}
		if err != nil {
			return c.fail(err)
		}
		return c.advance(peer, outcome)
	}
}

// Cancel reports that the Outgoing most recently issued for peer in the
// current phase was lost (timeout or disconnect). Any bookkeeping for it
// is returned to the pending pool so a later Request can reissue the same
// work, possibly to a different peer.
func (c *Coordinator) Cancel(peer Peer) {
	if h, ok := c.handler.(*trieSyncHandler); ok {
		h.dl.Requeue(peer.ID())
		delete(h.pending, peer.ID())
	}
}

// requestIdle drives the bootstrap handshake: total difficulty, then the
// header, of the pivot block. Once both are known it enters BlockSync and
// recursively yields that phase's first request. Nothing is requested while
// the reported highest block is below NumBlocksHeaders.
func (c *Coordinator) requestIdle(peer Peer) (Outgoing, error) {
	if c.highestBlock < c.cfg.NumBlocksHeaders {
		return Outgoing{Kind: OutgoingNone}, nil
	}

	pivot := uint64(0)
	if c.highestBlock > c.cfg.NumBlocksHeaders {
		pivot = c.highestBlock - c.cfg.NumBlocksHeaders
	}
	c.pivotNumber = pivot

	if c.pivotTD == nil {
		return Outgoing{Kind: OutgoingTotalDifficulty, BlockNumber: pivot}, nil
	}
	if c.pivotHeader == nil {
		return Outgoing{Kind: OutgoingBlockHeader, BlockNumber: pivot}, nil
	}

	c.enterBlockSync(peer)
	return c.handler.request(peer)
}

// processIdle folds the bootstrap handshake's replies in order: total
// difficulty first, then the pivot header.
func (c *Coordinator) processIdle(payload Payload) error {
	if c.pivotTD == nil {
		if payload.TotalDifficulty == nil {
			return c.fail(fmt.Errorf("coordinator: bootstrap: expected total difficulty payload"))
		}
		c.pivotTD = payload.TotalDifficulty
		return nil
	}
	if c.pivotHeader == nil {
		if payload.Header == nil {
			return c.fail(fmt.Errorf("coordinator: bootstrap: expected block header payload"))
		}
		c.pivotHeader = payload.Header
		return nil
	}
	c.log.Debug("payload discarded", "phase", c.phase.String())
	return nil
}

// enterBlockSync transitions Idle -> BlockSync once both bootstrap values
// are known.
func (c *Coordinator) enterBlockSync(peer Peer) {
	c.bestHeader = c.pivotHeader
	c.progress.Start(c.highestBlock)
	c.progress.SetStage(StageProgressHeaders)

	if c.headerDL == nil {
		c.headerDL = NewHeaderDownloader(DefaultHDLConfig(), &peerHeaderSource{peer: peer})
	}
	c.headerDL.AddPeer(peer.ID(), c.pivotHeader.Hash(), c.pivotNumber)

	c.handler = &blockSyncHandler{c: c, bestLocal: c.pivotNumber}
	c.phase = PhaseBlockSync
	c.log.Info("pipeline started", "pivot", c.pivotNumber, "highest", c.highestBlock)
}

// advance applies a phase handler's reported Outcome: stay, transition, or
// fail. OutcomeInvalid leaves the phase exactly as it was, since it means
// a recoverable peer fault the host will retry.
func (c *Coordinator) advance(peer Peer, outcome Outcome) error {
	switch outcome {
	case OutcomeContinue, OutcomeInvalid:
		return nil
	case OutcomeNextStep:
		return c.transition(peer)
	default:
		return c.fail(fmt.Errorf("coordinator: unexpected outcome %v", outcome))
	}
}

// transition moves the pipeline to the next phase after the current one
// signals NextStep.
func (c *Coordinator) transition(peer Peer) error {
	switch c.phase {
	case PhaseBlockSync:
		c.enterStateSync()
		return nil
	case PhaseStateSync:
		return c.enterTrieSync()
	case PhaseTrieSync:
		return c.finish(peer)
	default:
		return nil
	}
}

// enterStateSync transitions BlockSync -> StateSync.
func (c *Coordinator) enterStateSync() {
	c.handler = &stateSyncHandler{c: c, dl: NewStateDownloader(c.store)}
	c.progress.SetStage(StageProgressState)
	c.phase = PhaseStateSync
	c.log.Info("entering state sync", "local", c.bestHeader.Number, "highest", c.highestBlock)
}

// enterTrieSync transitions StateSync -> TrieSync. The reconciliation
// target is captured fresh from the current best header, per the
// pipeline's phase-transition rule, rather than by issuing another
// request.
func (c *Coordinator) enterTrieSync() error {
	if c.bestHeader == nil {
		return c.fail(fmt.Errorf("coordinator: trie sync requires a known header"))
	}
	target := c.bestHeader.Root
	c.handler = &trieSyncHandler{
		c:       c,
		dl:      NewTrieDownloader(c.store, target),
		pending: make(map[string][]types.Hash),
	}
	c.progress.SetStage(StageProgressSnap)
	c.phase = PhaseTrieSync
	c.log.Info("entering trie sync", "target", target.Hex(), "snapshot_root", c.snapshotRoot.Hex())
	return nil
}

// finish prunes whatever the snapshot trie built that the reconciliation
// found unreachable, finalizes the store at the best known header's number
// and hash, and marks the pipeline done.
func (c *Coordinator) finish(peer Peer) error {
	h, ok := c.handler.(*trieSyncHandler)
	if !ok {
		return c.fail(fmt.Errorf("coordinator: finish called outside trie sync"))
	}

	pruner := NewPruner(c.store)
	if err := pruner.Prune(c.snapshotRoot, h.dl.Target(), h.dl.CommonNodes()); err != nil {
		return c.fail(fmt.Errorf("prune: %w", err))
	}
	if err := c.store.Finalize(c.bestHeader.Number.Uint64(), c.bestHeader.Hash()); err != nil {
		return c.fail(fmt.Errorf("finalize: %w", err))
	}

	c.handler = nil
	c.progress.SetStage(StageProgressComplete)
	c.phase = PhaseDone
	c.log.Info("pipeline done", "pivot", c.pivotNumber, "root", h.dl.Target().Hex())
	return nil
}

func (c *Coordinator) fail(err error) error {
	c.err = err
	c.phase = PhaseError
	c.handler = nil
	c.log.Error("pipeline failed", "phase", c.phase.String(), "err", err)
	return err
}

// blockSyncHandler advances one header at a time, since Peer only exposes
// a single-header lookup. It signals NextStep once the local head is
// within BlocksDeltaStartSync of the network's reported highest block.
type blockSyncHandler struct {
	c         *Coordinator
	bestLocal uint64
}

func (h *blockSyncHandler) request(peer Peer) (Outgoing, error) {
	next := h.bestLocal + 1
	if next > h.c.highestBlock {
		next = h.c.highestBlock
	}
	return Outgoing{Kind: OutgoingBlockHeader, BlockNumber: next}, nil
}

func (h *blockSyncHandler) process(peer Peer, payload Payload) (Outcome, error) {
	if payload.Header == nil {
		return OutcomeError, fmt.Errorf("block sync: expected block header payload")
	}
	h.bestLocal = payload.Header.Number.Uint64()
	h.c.bestHeader = payload.Header
	h.c.progress.UpdateBlock(h.bestLocal)

	if h.c.highestBlock-h.bestLocal <= h.c.cfg.BlocksDeltaStartSync {
		return OutcomeNextStep, nil
	}
	return OutcomeContinue, nil
}

// stateSyncHandler wraps a StateDownloader, translating its cursor-based
// Request/Process contract into the Coordinator's Outgoing/Payload shape.
type stateSyncHandler struct {
	c  *Coordinator
	dl *StateDownloader
}

func (h *stateSyncHandler) request(peer Peer) (Outgoing, error) {
	nextAccount, nextStorageKey := h.dl.NextRequest()
	return Outgoing{Kind: OutgoingFastWarpData, NextAccount: nextAccount, NextStorageKey: nextStorageKey}, nil
}

func (h *stateSyncHandler) process(peer Peer, payload Payload) (Outcome, error) {
	if payload.FastWarp == nil {
		return OutcomeError, fmt.Errorf("state sync: expected fast-warp data payload")
	}
	outcome, err := h.dl.Process(payload.FastWarp)
	if err != nil {
		return OutcomeError, err
	}
	h.c.progress.RecordStateNodes(uint64(len(payload.FastWarp.Accounts)))
	if outcome == OutcomeNextStep {
		h.c.snapshotRoot = h.dl.AccountTrieRoot()
	}
	return outcome, nil
}

// trieSyncHandler wraps a TrieDownloader. It remembers the hash batch it
// last asked each peer for, since Payload carries only the raw blobs back.
type trieSyncHandler struct {
	c       *Coordinator
	dl      *TrieDownloader
	pending map[string][]types.Hash
}

func (h *trieSyncHandler) request(peer Peer) (Outgoing, error) {
	hashes := h.dl.NextBatch(peer.ID())
	if len(hashes) == 0 {
		return Outgoing{Kind: OutgoingNone}, nil
	}
	h.pending[peer.ID()] = hashes
	return Outgoing{Kind: OutgoingNodeData, Hashes: hashes}, nil
}

func (h *trieSyncHandler) process(peer Peer, payload Payload) (Outcome, error) {
	if payload.NodeData == nil {
		return OutcomeError, fmt.Errorf("trie sync: expected node-data payload")
	}
	hashes := h.pending[peer.ID()]
	delete(h.pending, peer.ID())
	if len(hashes) == 0 {
		return OutcomeInvalid, ErrNoPendingRequests
	}
	return h.dl.Process(peer.ID(), hashes, payload.NodeData)
}

// peerHeaderSource adapts a single Peer's per-block header lookup to the
// HeaderDownloader's batch-oriented HeaderSource contract, for hosts that
// drive BlocksDownloader() directly.
type peerHeaderSource struct {
	peer Peer
}

func (s *peerHeaderSource) FetchHeaders(from uint64, count int) ([]*types.Header, error) {
	headers := make([]*types.Header, 0, count)
	for i := 0; i < count; i++ {
		h, err := s.peer.RequestBlockHeader(from + uint64(i))
		if err != nil {
			if len(headers) > 0 {
				return headers, nil
			}
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, nil
}
