package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/ensemble-fleet/ensemble/common"
)

var errNotFound = errors.New("not found")

// store owns the coordinator's durable state: node records (including
// their current reconciliation attempt), per-node generation history,
// and the audit trail. Values are JSON documents grouped by key prefix
// so related records can be scanned together.
type store struct {
	db *badger.DB
}

func newStore(path string) (*store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil // badger's own logging is too chatty for a daemon
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &store{db: db}, nil
}

func (s *store) Close() error { return s.db.Close() }

func nodeKey(id string) []byte { return []byte("node:" + id) }

// Generation ids are zero-padded so badger's key order matches id order.
func genKey(nodeID string, id int64) []byte {
	return []byte(fmt.Sprintf("gen:%s:%012d", nodeID, id))
}

func genPrefix(nodeID string) []byte { return []byte("gen:" + nodeID + ":") }

func auditKey(seq uint64) []byte { return []byte(fmt.Sprintf("audit:%020d", seq)) }

// CreateNode persists a new node record and assigns its registration
// sequence number. Callers are responsible for rejecting duplicate ids
// first - the per-node locking in the registry makes that check safe.
func (s *store) CreateNode(node *common.Node) error {
	return s.db.Update(func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, "seq:nodes")
		if err != nil {
			return err
		}
		node.Seq = seq
		return putJSON(txn, nodeKey(node.ID), node)
	})
}

func (s *store) PutNode(node *common.Node) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, nodeKey(node.ID), node)
	})
}

func (s *store) GetNode(id string) (*common.Node, error) {
	node := &common.Node{}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, nodeKey(id), node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *store) ListNodes() ([]*common.Node, error) {
	nodes := []*common.Node{}
	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = []byte("node:")
		it := txn.NewIterator(opt)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			node := &common.Node{}
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, node) })
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Seq < nodes[j].Seq })
	return nodes, nil
}

// DeleteNode removes the node record and its generation history. Audit
// entries outlive the node.
func (s *store) DeleteNode(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(nodeKey(id)); err != nil {
			return err
		}

		opt := badger.DefaultIteratorOptions
		opt.Prefix = genPrefix(id)
		opt.PrefetchValues = false
		it := txn.NewIterator(opt)

		keys := [][]byte{}
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateGeneration persists an accepted configuration snapshot and
// assigns the next generation id for its node.
func (s *store) CreateGeneration(gen *common.Generation) error {
	return s.db.Update(func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, "seq:gen:"+gen.NodeID)
		if err != nil {
			return err
		}
		gen.ID = int64(seq)
		return putJSON(txn, genKey(gen.NodeID, gen.ID), gen)
	})
}

func (s *store) GetGeneration(nodeID string, id int64) (*common.Generation, error) {
	gen := &common.Generation{}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, genKey(nodeID, id), gen)
	})
	if err != nil {
		return nil, err
	}
	return gen, nil
}

func (s *store) ListGenerations(nodeID string) ([]*common.Generation, error) {
	gens := []*common.Generation{}
	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = genPrefix(nodeID)
		it := txn.NewIterator(opt)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			gen := &common.Generation{}
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, gen) })
			if err != nil {
				return err
			}
			gens = append(gens, gen)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gens, nil
}

func (s *store) AppendAudit(entry *common.AuditEntry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, "seq:audit")
		if err != nil {
			return err
		}
		return putJSON(txn, auditKey(seq), entry)
	})
}

// ListAudit returns entries newest first, up to limit (<= 0 for all).
func (s *store) ListAudit(limit int) ([]*common.AuditEntry, error) {
	entries := []*common.AuditEntry{}
	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Reverse = true
		it := txn.NewIterator(opt)
		defer it.Close()

		prefix := []byte("audit:")
		for it.Seek(append(prefix, 0xff)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(entries) >= limit {
				return nil
			}
			entry := &common.AuditEntry{}
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, entry) })
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func putJSON(txn *badger.Txn, key []byte, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, val any) error {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return errNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error { return json.Unmarshal(v, val) })
}

// nextSeq increments and returns a uint64 counter stored at key, within
// the caller's transaction so the counter and the record it numbers
// commit together.
func nextSeq(txn *badger.Txn, key string) (uint64, error) {
	var cur uint64
	item, err := txn.Get([]byte(key))
	if err == nil {
		err = item.Value(func(v []byte) error {
			cur = binary.BigEndian.Uint64(v)
			return nil
		})
		if err != nil {
			return 0, err
		}
	} else if err != badger.ErrKeyNotFound {
		return 0, err
	}

	cur++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cur)
	return cur, txn.Set([]byte(key), buf)
}
