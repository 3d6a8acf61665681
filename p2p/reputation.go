// Copyright 2014 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package p2p

import (
	"errors"
	"math"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethp2p/devp2p/p2p/enode"
	"github.com/ethp2p/devp2p/p2p/rlpx"
)

// Penalty is a change applied to the reputation score of a node.
// Negative values are penalties, positive values are rewards.
type Penalty int

const (
	PenaltyHandshakeFailure  Penalty = -20
	PenaltyProtocolViolation Penalty = -10
	PenaltyMalformedMessage  Penalty = -5
	RewardCleanActivity      Penalty = 1
)

// ReputationConfig holds the reputation policy values.
type ReputationConfig struct {
	// A node is banned when its score drops to -BanScore or below.
	BanScore float64
	// Dynamic dials skip nodes whose score is at or below -GreyScore.
	// Inbound connections from them are still accepted.
	GreyScore float64
	// How long a ban lasts.
	BanDuration time.Duration
	// Scores move halfway back to zero within this duration.
	DecayHalfLife time.Duration
	// Consecutive handshake failures that ban a node regardless of score.
	MaxHandshakeFailures int
}

// DefaultReputationConfig contains the default reputation policy.
var DefaultReputationConfig = ReputationConfig{
	BanScore:             100,
	GreyScore:            50,
	BanDuration:          15 * time.Minute,
	DecayHalfLife:        10 * time.Minute,
	MaxHandshakeFailures: 5,
}

func (cfg ReputationConfig) withDefaults() ReputationConfig {
	def := DefaultReputationConfig
	if cfg.BanScore <= 0 {
		cfg.BanScore = def.BanScore
	}
	if cfg.GreyScore <= 0 {
		cfg.GreyScore = def.GreyScore
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = def.BanDuration
	}
	if cfg.DecayHalfLife <= 0 {
		cfg.DecayHalfLife = def.DecayHalfLife
	}
	if cfg.MaxHandshakeFailures <= 0 {
		cfg.MaxHandshakeFailures = def.MaxHandshakeFailures
	}
	return cfg
}

// ReputationManager tracks a decaying score per node identity and decides bans.
// It is safe for concurrent use. No method performs I/O while holding the lock.
type ReputationManager struct {
	cfg     ReputationConfig
	clock   mclock.Clock
	trusted mapset.Set[enode.ID]
	log     log.Logger

	mu      sync.Mutex
	entries map[enode.ID]*repEntry
}

type repEntry struct {
	score       float64
	updated     mclock.AbsTime
	hsFailures  int
	bannedUntil mclock.AbsTime
}

// NewReputationManager creates a manager. A nil clock selects the system clock.
func NewReputationManager(cfg ReputationConfig, clock mclock.Clock) *ReputationManager {
	if clock == nil {
		clock = mclock.System{}
	}
	return &ReputationManager{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		trusted: mapset.NewSet[enode.ID](),
		log:     log.Root(),
		entries: make(map[enode.ID]*repEntry),
	}
}

// Config returns the effective policy.
func (r *ReputationManager) Config() ReputationConfig {
	return r.cfg
}

// entry returns the entry of id with its score decayed to now.
// It must be called with r.mu held.
func (r *ReputationManager) entry(id enode.ID, now mclock.AbsTime, create bool) *repEntry {
	e := r.entries[id]
	if e == nil {
		if !create {
			return nil
		}
		e = &repEntry{updated: now}
		r.entries[id] = e
	}
	r.decay(e, now)
	return e
}

func (r *ReputationManager) decay(e *repEntry, now mclock.AbsTime) {
	elapsed := now.Sub(e.updated)
	if elapsed <= 0 {
		return
	}
	e.score *= math.Pow(0.5, float64(elapsed)/float64(r.cfg.DecayHalfLife))
	e.updated = now
}

// Score returns the current score of id.
func (r *ReputationManager) Score(id enode.ID) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.entry(id, r.clock.Now(), false); e != nil {
		return e.score
	}
	return 0
}

// Penalize applies p to the score of id. Handshake failures also count towards the
// consecutive failure limit. It reports whether the node is banned afterwards.
func (r *ReputationManager) Penalize(id enode.ID, p Penalty) bool {
	if p == 0 {
		return r.IsBanned(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	e := r.entry(id, now, true)
	e.score += float64(p)
	if e.score > r.cfg.BanScore {
		e.score = r.cfg.BanScore
	}
	if p == PenaltyHandshakeFailure {
		e.hsFailures++
	}
	if e.bannedUntil > now {
		return true
	}
	if p >= 0 || r.trusted.Contains(id) {
		return false
	}
	if e.score <= -r.cfg.BanScore || e.hsFailures >= r.cfg.MaxHandshakeFailures {
		r.ban(id, e, now, r.cfg.BanDuration)
		return true
	}
	return false
}

// Reward credits id for clean activity.
func (r *ReputationManager) Reward(id enode.ID) {
	r.Penalize(id, RewardCleanActivity)
}

// HandshakeSucceeded resets the consecutive handshake failure count of id.
func (r *ReputationManager) HandshakeSucceeded(id enode.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.entry(id, r.clock.Now(), false); e != nil {
		e.hsFailures = 0
	}
}

func (r *ReputationManager) ban(id enode.ID, e *repEntry, now mclock.AbsTime, d time.Duration) {
	e.bannedUntil = now.Add(d)
	e.hsFailures = 0
	banCounter()
	r.log.Debug("Banning node", "id", id, "score", e.score, "duration", d)
}

// Ban bans id for d. A non-positive d selects the configured ban duration.
// Explicit bans apply to trusted nodes as well.
func (r *ReputationManager) Ban(id enode.ID, d time.Duration) {
	if d <= 0 {
		d = r.cfg.BanDuration
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.ban(id, r.entry(id, now, true), now, d)
}

// Unban lifts any ban on id and resets its score.
func (r *ReputationManager) Unban(id enode.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// IsBanned reports whether id is currently banned.
func (r *ReputationManager) IsBanned(id enode.ID) bool {
	_, banned := r.BannedUntil(id)
	return banned
}

// BannedUntil returns the expiry time of the ban on id.
func (r *ReputationManager) BannedUntil(id enode.ID) (mclock.AbsTime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[id]
	if e == nil || e.bannedUntil <= r.clock.Now() {
		return 0, false
	}
	return e.bannedUntil, true
}

// IsGrey reports whether id has a low score that makes it a poor dial candidate.
func (r *ReputationManager) IsGrey(id enode.ID) bool {
	return r.Score(id) <= -r.cfg.GreyScore
}

// Trust exempts id from automatic bans.
func (r *ReputationManager) Trust(id enode.ID) {
	r.trusted.Add(id)
}

// Untrust removes id from the trusted set.
func (r *ReputationManager) Untrust(id enode.ID) {
	r.trusted.Remove(id)
}

// IsTrusted reports whether id is in the trusted set.
func (r *ReputationManager) IsTrusted(id enode.ID) bool {
	return r.trusted.Contains(id)
}

// Prune drops entries that no longer carry information: score decayed close to
// zero, no pending handshake failures and no active ban. It returns the number of
// entries left.
func (r *ReputationManager) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for id, e := range r.entries {
		r.decay(e, now)
		if math.Abs(e.score) < 0.5 && e.hsFailures == 0 && e.bannedUntil <= now {
			delete(r.entries, id)
		}
	}
	return len(r.entries)
}

// penaltyForError maps the error that ended a session to a reputation penalty.
// Disconnects requested by the remote side are never penalized.
func penaltyForError(err error, remoteRequested bool) Penalty {
	if err == nil || remoteRequested {
		return 0
	}
	if errors.Is(err, rlpx.ErrBadMAC) {
		return PenaltyProtocolViolation
	}
	var perr *PeerError
	if errors.As(err, &perr) {
		if perr.code == errInvalidMsg {
			return PenaltyMalformedMessage
		}
		return PenaltyProtocolViolation
	}
	if reason, ok := err.(DiscReason); ok {
		return reason.penalty()
	}
	return 0
}
