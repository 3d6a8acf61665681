// Copyright 2018 The go-ethereum Authors
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

package enode

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethp2p/devp2p/p2p/enr"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	version                        layout version
//	n:<id>:v4                      signed node record
//	n:<id>:v4:<ip16>:<field>       per-endpoint metadata
//	local:<id>:<field>             state of the local node
const (
	dbVersionKey  = "version"
	dbNodePrefix  = "n:"
	dbLocalPrefix = "local:"
	dbRecordRoot  = "v4"

	dbNodeFindFails = "findfail"
	dbNodePing      = "lastping"
	dbNodePong      = "lastpong"
	dbNodeSeq       = "seq"
	dbLocalSeq      = "seq"
)

const (
	dbNodeExpiration = 24 * time.Hour // nodes without a pong for this long are dropped
	dbCleanupCycle   = time.Hour
	dbVersion        = 10
)

var (
	errInvalidIP = errors.New("invalid IP")

	// ErrStaleRecord is returned by UpdateNode when the stored record for the
	// same identity has an equal or higher sequence number.
	ErrStaleRecord = errors.New("node record is not newer than stored record")
)

// zeroIP keys metadata that belongs to the identity rather than an endpoint.
var zeroIP = netip.IPv6Unspecified()

// DB persists node records along with the liveness data the discovery table
// collects for each endpoint.
type DB struct {
	lvl     *leveldb.DB
	expirer sync.Once
	quit    chan struct{}
}

// OpenDB opens the node database at path. An empty path gives a fresh
// in-memory database.
func OpenDB(path string) (*DB, error) {
	var (
		lvl *leveldb.DB
		err error
	)
	if path == "" {
		lvl, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		lvl, err = openVersionedDB(path)
	}
	if err != nil {
		return nil, err
	}
	return &DB{lvl: lvl, quit: make(chan struct{})}, nil
}

// openVersionedDB opens the leveldb at path and wipes it if it was written
// with a different layout version.
func openVersionedDB(path string) (*leveldb.DB, error) {
	lvl, err := leveldb.OpenFile(path, &opt.Options{OpenFilesCacheCapacity: 5})
	if lerrors.IsCorrupted(err) {
		lvl, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	want := varint(dbVersion)
	have, err := lvl.Get([]byte(dbVersionKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		err = lvl.Put([]byte(dbVersionKey), want, nil)
	case err == nil && !bytes.Equal(have, want):
		lvl.Close()
		if err := os.RemoveAll(path); err != nil {
			return nil, err
		}
		return openVersionedDB(path)
	}
	if err != nil {
		lvl.Close()
		return nil, err
	}
	return lvl, nil
}

func varint(v int64) []byte {
	return binary.AppendVarint(nil, v)
}

func uvarint(v uint64) []byte {
	return binary.AppendUvarint(nil, v)
}

// nodeKey is the key of the record of id.
func nodeKey(id ID) []byte {
	key := make([]byte, 0, len(dbNodePrefix)+len(id)+1+len(dbRecordRoot))
	key = append(key, dbNodePrefix...)
	key = append(key, id[:]...)
	key = append(key, ':')
	return append(key, dbRecordRoot...)
}

// splitNodeKey extracts the ID from a key below the node prefix. rest is
// whatever follows the ID and its separator.
func splitNodeKey(key []byte) (id ID, rest []byte) {
	item, ok := bytes.CutPrefix(key, []byte(dbNodePrefix))
	if !ok || len(item) < len(id)+1 {
		return ID{}, nil
	}
	copy(id[:], item)
	return id, item[len(id)+1:]
}

// nodeItemKey is the key of a metadata field of endpoint ip of node id.
func nodeItemKey(id ID, ip netip.Addr, field string) []byte {
	if !ip.IsValid() {
		panic("invalid IP")
	}
	ip16 := ip.As16()
	key := append(nodeKey(id), ':')
	key = append(key, ip16[:]...)
	key = append(key, ':')
	return append(key, field...)
}

// splitNodeItemKey reverses nodeItemKey. Record keys yield an invalid IP and
// an empty field.
func splitNodeItemKey(key []byte) (id ID, ip netip.Addr, field string) {
	id, rest := splitNodeKey(key)
	const ipOffset = len(dbRecordRoot) + 1
	if len(rest) < ipOffset+16+1 {
		return id, netip.Addr{}, ""
	}
	ip, _ = netip.AddrFromSlice(rest[ipOffset : ipOffset+16])
	return id, ip, string(rest[ipOffset+16+1:])
}

func localItemKey(id ID, field string) []byte {
	key := append([]byte(dbLocalPrefix), id[:]...)
	key = append(key, ':')
	return append(key, field...)
}

// getInt returns the signed varint stored at key, or zero.
func (db *DB) getInt(key []byte) int64 {
	blob, err := db.lvl.Get(key, nil)
	if err != nil {
		return 0
	}
	if v, n := binary.Varint(blob); n > 0 {
		return v
	}
	return 0
}

// getUint returns the unsigned varint stored at key and whether it exists.
func (db *DB) getUint(key []byte) (uint64, bool) {
	blob, err := db.lvl.Get(key, nil)
	if err != nil {
		return 0, false
	}
	v, _ := binary.Uvarint(blob)
	return v, true
}

func (db *DB) endpointTime(id ID, ip netip.Addr, field string) time.Time {
	if !ip.IsValid() {
		return time.Time{}
	}
	return time.Unix(db.getInt(nodeItemKey(id, ip, field)), 0)
}

func (db *DB) setEndpointTime(id ID, ip netip.Addr, field string, t time.Time) error {
	if !ip.IsValid() {
		return errInvalidIP
	}
	return db.lvl.Put(nodeItemKey(id, ip, field), varint(t.Unix()), nil)
}

// Node returns the stored record of id, or nil.
func (db *DB) Node(id ID) *Node {
	blob, err := db.lvl.Get(nodeKey(id), nil)
	if err != nil {
		return nil
	}
	n, _ := decodeStoredNode(id, blob)
	return n
}

// decodeStoredNode decodes a record written by UpdateNode. Its signature was
// verified before storing.
func decodeStoredNode(id ID, data []byte) (*Node, error) {
	var r enr.Record
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return nil, fmt.Errorf("p2p/enode: can't decode node %x in DB: %v", id[:8], err)
	}
	return newNodeWithID(&r, id), nil
}

// UpdateNode stores the record of node. It fails with ErrStaleRecord unless
// the record is newer than the stored one.
func (db *DB) UpdateNode(node *Node) error {
	id := node.ID()
	if stored, ok := db.getUint(nodeItemKey(id, zeroIP, dbNodeSeq)); ok && node.Seq() <= stored {
		return ErrStaleRecord
	}
	blob, err := rlp.EncodeToBytes(&node.r)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(nodeKey(id), blob)
	batch.Put(nodeItemKey(id, zeroIP, dbNodeSeq), uvarint(node.Seq()))
	return db.lvl.Write(batch, nil)
}

// NodeSeq returns the sequence number of the stored record of id, or zero.
func (db *DB) NodeSeq(id ID) uint64 {
	seq, _ := db.getUint(nodeItemKey(id, zeroIP, dbNodeSeq))
	return seq
}

// Resolve returns whichever of n and the stored record is newer.
func (db *DB) Resolve(n *Node) *Node {
	if n.Seq() > db.NodeSeq(n.ID()) {
		return n
	}
	if stored := db.Node(n.ID()); stored != nil {
		return stored
	}
	return n
}

// DeleteNode removes the record and all metadata of id.
func (db *DB) DeleteNode(id ID) {
	db.deletePrefix(nodeKey(id))
}

func (db *DB) deletePrefix(prefix []byte) {
	it := db.lvl.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(it.Key())
	}
	db.lvl.Write(batch, nil)
}

// startExpirer launches the cleanup loop on first use. It is deferred until
// the first liveness query so that seeds from a previous run are not dropped
// before the table could try them.
func (db *DB) startExpirer() {
	db.expirer.Do(func() {
		go func() {
			tick := time.NewTicker(dbCleanupCycle)
			defer tick.Stop()
			for {
				select {
				case now := <-tick.C:
					db.expireNodes(now)
				case <-db.quit:
					return
				}
			}
		}()
	})
}

// expireNodes drops endpoint metadata whose last pong is older than
// dbNodeExpiration. A node whose newest pong is stale is removed entirely.
// Nodes that never answered are kept.
func (db *DB) expireNodes(now time.Time) {
	threshold := now.Add(-dbNodeExpiration).Unix()
	it := db.lvl.NewIterator(util.BytesPrefix([]byte(dbNodePrefix)), nil)
	defer it.Release()

	var (
		cur      ID
		newest   int64
		answered bool
	)
	finish := func() {
		if answered && newest < threshold {
			db.deletePrefix(nodeKey(cur))
		}
		newest, answered = 0, false
	}
	for it.Next() {
		id, ip, field := splitNodeItemKey(it.Key())
		if id != cur {
			finish()
			cur = id
		}
		if field != dbNodePong {
			continue
		}
		pong, _ := binary.Varint(it.Value())
		if pong < threshold {
			db.deletePrefix(nodeItemKey(id, ip, ""))
		}
		if !answered || pong > newest {
			newest, answered = pong, true
		}
	}
	finish()
}

// LastPingReceived returns when node id last pinged us from ip.
func (db *DB) LastPingReceived(id ID, ip netip.Addr) time.Time {
	return db.endpointTime(id, ip, dbNodePing)
}

func (db *DB) UpdateLastPingReceived(id ID, ip netip.Addr, t time.Time) error {
	return db.setEndpointTime(id, ip, dbNodePing, t)
}

// LastPongReceived returns when node id last answered our ping from ip. This
// is the endpoint proof timestamp.
func (db *DB) LastPongReceived(id ID, ip netip.Addr) time.Time {
	db.startExpirer()
	return db.endpointTime(id, ip, dbNodePong)
}

func (db *DB) UpdateLastPongReceived(id ID, ip netip.Addr, t time.Time) error {
	return db.setEndpointTime(id, ip, dbNodePong, t)
}

// HasEndpointProof reports whether a pong from ip arrived within window.
func (db *DB) HasEndpointProof(id ID, ip netip.Addr, window time.Duration, now time.Time) bool {
	last := db.LastPongReceived(id, ip)
	return last.Unix() > 0 && now.Sub(last) < window
}

// FindFails returns the number of failed findnode requests to id at ip.
func (db *DB) FindFails(id ID, ip netip.Addr) int {
	if !ip.IsValid() {
		return 0
	}
	return int(db.getInt(nodeItemKey(id, ip, dbNodeFindFails)))
}

func (db *DB) UpdateFindFails(id ID, ip netip.Addr, fails int) error {
	if !ip.IsValid() {
		return errInvalidIP
	}
	return db.lvl.Put(nodeItemKey(id, ip, dbNodeFindFails), varint(int64(fails)), nil)
}

// localSeq returns the stored sequence number of the local record. Without
// one, the current time in milliseconds is used so that a wiped database
// never reissues an old sequence number.
func (db *DB) localSeq(id ID) uint64 {
	if seq, _ := db.getUint(localItemKey(id, dbLocalSeq)); seq > 0 {
		return seq
	}
	return nowMilliseconds()
}

func (db *DB) storeLocalSeq(id ID, n uint64) {
	db.lvl.Put(localItemKey(id, dbLocalSeq), uvarint(n), nil)
}

// QuerySeeds returns up to n random stored nodes that answered a ping within
// maxAge.
func (db *DB) QuerySeeds(n int, maxAge time.Duration) []*Node {
	var (
		now   = time.Now()
		nodes = make([]*Node, 0, n)
		seen  = make(map[ID]bool, n)
		it    = db.lvl.NewIterator(nil, nil)
		pos   ID
	)
	defer it.Release()

	for attempt := 0; len(nodes) < n && attempt < n*5; attempt++ {
		// Advance the first byte by a small random step so that tiny
		// databases still get visited in full.
		first := pos[0]
		rand.Read(pos[:])
		pos[0] = first + pos[0]%16
		node := nextNode(it, it.Seek(nodeKey(pos)))
		switch {
		case node == nil:
			pos[0] = 0
		case seen[node.ID()]:
		case now.Sub(db.LastPongReceived(node.ID(), node.IPAddr())) > maxAge:
		default:
			seen[node.ID()] = true
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// nextNode returns the first decodable record at or after the iterator
// position. valid tells whether the iterator points at an entry.
func nextNode(it iterator.Iterator, valid bool) *Node {
	for ok := valid; ok; ok = it.Next() {
		id, rest := splitNodeKey(it.Key())
		if string(rest) != dbRecordRoot {
			continue
		}
		if n, err := decodeStoredNode(id, it.Value()); err == nil {
			return n
		}
	}
	return nil
}

// Close stops the expirer and closes the database.
func (db *DB) Close() {
	select {
	case <-db.quit:
	default:
		close(db.quit)
	}
	db.lvl.Close()
}
