package logstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fystack/logfilter/pkg/common/types"
	"github.com/fystack/logfilter/pkg/storage"
)

// Key namespaces. Block-keyed entries use big-endian numbers so badger
// iteration order is block order.
//
//	head       -> {number, hash}
//	b/<num>    -> block meta (hash, parent, bloom, tx hashes)
//	l/<num>    -> the block's logs, in commit order
//	h/<hash>   -> block number
//	x/<hash>   -> transaction inclusion record
var (
	headKey     = []byte("head")
	blockPrefix = []byte("b/")
	logsPrefix  = []byte("l/")
	hashPrefix  = []byte("h/")
	txPrefix    = []byte("x/")
)

const blockCacheSize = 256

type headRecord struct {
	Number uint64      `json:"number"`
	Hash   common.Hash `json:"hash"`
}

// Store is the append-only, block-indexed log storage. Writes go through a
// single commit pipeline; reads may run concurrently. A block becomes
// visible atomically because all of its keys are written in one badger
// transaction together with the head record.
type Store struct {
	db    *storage.DB
	codec storage.Codec
	cache *lru.Cache[common.Hash, []*ethtypes.Log]

	mu   sync.RWMutex
	head *headRecord
}

func New(db *storage.DB) (*Store, error) {
	cache, err := lru.New[common.Hash, []*ethtypes.Log](blockCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, codec: storage.JSON, cache: cache}

	// Recover the head from disk so durability matches the chain's own.
	err = db.View(func(txn *badger.Txn) error {
		var h headRecord
		ok, err := storage.GetAny(txn, s.codec, headKey, &h)
		if err != nil {
			return err
		}
		if ok {
			s.head = &h
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover head: %w", err)
	}
	return s, nil
}

// Head returns the latest committed block number and hash. ok is false
// before the first commit.
func (s *Store) Head() (number uint64, hash common.Hash, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.head == nil {
		return 0, common.Hash{}, false
	}
	return s.head.Number, s.head.Hash, true
}

// CheckCommit validates append-only ordering for a record without mutating
// anything. The first committed block anchors the chain at any height.
func (s *Store) CheckCommit(rec *types.BlockCommitRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.head == nil {
		return nil
	}
	switch {
	case rec.Number <= s.head.Number:
		return fmt.Errorf("%w: block %d, head %d", types.ErrDuplicateBlock, rec.Number, s.head.Number)
	case rec.Number != s.head.Number+1:
		return fmt.Errorf("%w: block %d does not follow head %d", types.ErrOutOfOrder, rec.Number, s.head.Number)
	case rec.ParentHash != s.head.Hash:
		return fmt.Errorf("%w: block %d parent %s does not extend head %s",
			types.ErrOutOfOrder, rec.Number, rec.ParentHash, s.head.Hash)
	}
	return nil
}

// Append writes all of a block's records within txn. The caller is the
// single commit pipeline and has already run CheckCommit.
func (s *Store) Append(txn *badger.Txn, rec *types.BlockCommitRecord) error {
	for i, log := range rec.Logs {
		log.BlockNumber = rec.Number
		log.BlockHash = rec.Hash
		log.Index = uint(i)
	}

	block := &types.Block{
		Number:       rec.Number,
		Hash:         rec.Hash,
		ParentHash:   rec.ParentHash,
		Time:         rec.Time,
		Bloom:        rec.Bloom(),
		Transactions: rec.Transactions,
	}
	if err := storage.SetAny(txn, s.codec, blockKey(rec.Number), block); err != nil {
		return err
	}
	if err := storage.SetAny(txn, s.codec, logsKey(rec.Number), rec.Logs); err != nil {
		return err
	}
	if err := txn.Set(hashKey(rec.Hash), be8(rec.Number)); err != nil {
		return err
	}
	for i, txHash := range rec.Transactions {
		record := &types.Transaction{
			Hash:        txHash,
			BlockNumber: rec.Number,
			BlockHash:   rec.Hash,
			Index:       uint(i),
		}
		if err := storage.SetAny(txn, s.codec, txKey(txHash), record); err != nil {
			return err
		}
	}
	return storage.SetAny(txn, s.codec, headKey, &headRecord{Number: rec.Number, Hash: rec.Hash})
}

// Promote publishes the new head after the commit transaction succeeded.
func (s *Store) Promote(rec *types.BlockCommitRecord) {
	s.mu.Lock()
	s.head = &headRecord{Number: rec.Number, Hash: rec.Hash}
	s.mu.Unlock()
}

// Retract removes the current head block within txn and rewrites the head
// record to its parent. It returns the retracted block's commit record so
// the index can drop its entries. The caller publishes the rewound head
// with Demote after the transaction commits.
func (s *Store) Retract(txn *badger.Txn) (*types.BlockCommitRecord, error) {
	s.mu.RLock()
	head := s.head
	s.mu.RUnlock()
	if head == nil {
		return nil, fmt.Errorf("retract: %w", types.ErrNotFound)
	}
	number := head.Number

	var block types.Block
	ok, err := storage.GetAny(txn, s.codec, blockKey(number), &block)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("retract block %d: %w", number, types.ErrNotFound)
	}
	var logs []*ethtypes.Log
	if _, err := storage.GetAny(txn, s.codec, logsKey(number), &logs); err != nil {
		return nil, err
	}

	if err := txn.Delete(blockKey(number)); err != nil {
		return nil, err
	}
	if err := txn.Delete(logsKey(number)); err != nil {
		return nil, err
	}
	if err := txn.Delete(hashKey(block.Hash)); err != nil {
		return nil, err
	}
	for _, txHash := range block.Transactions {
		if err := txn.Delete(txKey(txHash)); err != nil {
			return nil, err
		}
	}

	var parent types.Block
	ok, err = storage.GetAny(txn, s.codec, blockKey(number-1), &parent)
	if err != nil {
		return nil, err
	}
	if ok {
		newHead := &headRecord{Number: parent.Number, Hash: parent.Hash}
		if err := storage.SetAny(txn, s.codec, headKey, newHead); err != nil {
			return nil, err
		}
	} else {
		if err := txn.Delete(headKey); err != nil {
			return nil, err
		}
	}

	rec := &types.BlockCommitRecord{
		Number:       block.Number,
		Hash:         block.Hash,
		ParentHash:   block.ParentHash,
		Time:         block.Time,
		Transactions: block.Transactions,
		Logs:         logs,
	}
	return rec, nil
}

// Demote reloads the head written by Retract and drops the retracted block
// from the read cache.
func (s *Store) Demote(retracted common.Hash) error {
	s.cache.Remove(retracted)
	return s.db.View(func(txn *badger.Txn) error {
		var h headRecord
		ok, err := storage.GetAny(txn, s.codec, headKey, &h)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if ok {
			s.head = &h
		} else {
			s.head = nil
		}
		s.mu.Unlock()
		return nil
	})
}

func (s *Store) BlockByNumber(number uint64) (*types.Block, error) {
	var block types.Block
	err := s.db.View(func(txn *badger.Txn) error {
		ok, err := storage.GetAny(txn, s.codec, blockKey(number), &block)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("block %d: %w", number, types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (s *Store) BlockByHash(hash common.Hash) (*types.Block, error) {
	number, err := s.numberByHash(hash)
	if err != nil {
		return nil, err
	}
	return s.BlockByNumber(number)
}

// LogsByNumber returns the logs of exactly one block in commit order.
func (s *Store) LogsByNumber(number uint64) ([]*ethtypes.Log, error) {
	var logs []*ethtypes.Log
	err := s.db.View(func(txn *badger.Txn) error {
		ok, err := storage.GetAny(txn, s.codec, logsKey(number), &logs)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("logs of block %d: %w", number, types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// LogsByHash returns the logs of the block with the given hash, or
// types.ErrNotFound. Results are cached; a block's logs are immutable once
// committed.
func (s *Store) LogsByHash(hash common.Hash) ([]*ethtypes.Log, error) {
	if logs, ok := s.cache.Get(hash); ok {
		return logs, nil
	}
	number, err := s.numberByHash(hash)
	if err != nil {
		return nil, err
	}
	logs, err := s.LogsByNumber(number)
	if err != nil {
		return nil, err
	}
	s.cache.Add(hash, logs)
	return logs, nil
}

func (s *Store) TxByHash(hash common.Hash) (*types.Transaction, error) {
	var record types.Transaction
	err := s.db.View(func(txn *badger.Txn) error {
		ok, err := storage.GetAny(txn, s.codec, txKey(hash), &record)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transaction %s: %w", hash, types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ForEachLog walks logs in [from, to] ascending by (block, commit order).
// The walk is lazy per block and restartable; each call opens a fresh
// snapshot.
func (s *Store) ForEachLog(from, to uint64, fn func(*ethtypes.Log) error) error {
	if from > to {
		return nil
	}
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(logsKey(from)); it.ValidForPrefix(logsPrefix); it.Next() {
			item := it.Item()
			if numberFromKey(item.Key()) > to {
				break
			}
			var logs []*ethtypes.Log
			err := item.Value(func(val []byte) error {
				return s.codec.Unmarshal(val, &logs)
			})
			if err != nil {
				return err
			}
			for _, log := range logs {
				if err := fn(log); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// LogsInRange materializes ForEachLog for callers that want the whole
// window at once.
func (s *Store) LogsInRange(from, to uint64) ([]*ethtypes.Log, error) {
	logs := []*ethtypes.Log{}
	err := s.ForEachLog(from, to, func(log *ethtypes.Log) error {
		logs = append(logs, log)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// HashesInRange returns the hashes of blocks in [from, to] ascending.
func (s *Store) HashesInRange(from, to uint64) ([]common.Hash, error) {
	hashes := []common.Hash{}
	if from > to {
		return hashes, nil
	}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(blockKey(from)); it.ValidForPrefix(blockPrefix); it.Next() {
			item := it.Item()
			if numberFromKey(item.Key()) > to {
				break
			}
			var block types.Block
			err := item.Value(func(val []byte) error {
				return s.codec.Unmarshal(val, &block)
			})
			if err != nil {
				return err
			}
			hashes = append(hashes, block.Hash)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

func (s *Store) numberByHash(hash common.Hash) (uint64, error) {
	var number uint64
	err := s.db.View(func(txn *badger.Txn) error {
		data, err := storage.Get(txn, hashKey(hash))
		if err != nil {
			if errors.Is(err, types.ErrKeyNotFound) {
				return fmt.Errorf("block %s: %w", hash, types.ErrNotFound)
			}
			return err
		}
		number = binary.BigEndian.Uint64(data)
		return nil
	})
	return number, err
}

func be8(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func blockKey(n uint64) []byte { return append(append([]byte{}, blockPrefix...), be8(n)...) }
func logsKey(n uint64) []byte  { return append(append([]byte{}, logsPrefix...), be8(n)...) }

func hashKey(h common.Hash) []byte { return append(append([]byte{}, hashPrefix...), h.Bytes()...) }
func txKey(h common.Hash) []byte   { return append(append([]byte{}, txPrefix...), h.Bytes()...) }

func numberFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
