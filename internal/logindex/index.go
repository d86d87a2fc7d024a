package logindex

import (
	"encoding/binary"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/fystack/logfilter/pkg/common/types"
	"github.com/fystack/logfilter/pkg/storage"
)

// Position identifies one log inside the chain: the block that carries it
// and the log's index within that block.
type Position struct {
	Block    uint64
	LogIndex uint
}

// Key layout. Big-endian block and log index suffixes make badger iteration
// order equal to (block, logIndex) order, so query results come out sorted
// and deduplicated for free.
//
//	ia/<addr 20><block 8><logIdx 4>      -> nil
//	it/<pos 1><topic 32><block 8><logIdx 4> -> nil
var (
	addrPrefix  = []byte("ia/")
	topicPrefix = []byte("it/")
)

// MaxTopicPositions is the protocol bound on indexed topics per log.
const MaxTopicPositions = 4

// Index maintains the address and topic secondary structures. Entries for a
// block are written inside the same transaction as the Log Store's records,
// so readers never see a partially indexed block.
type Index struct {
	db *storage.DB
}

func New(db *storage.DB) *Index {
	return &Index{db: db}
}

// Write adds the block's entries within txn. Amortized O(1) per log and
// topic position.
func (ix *Index) Write(txn *badger.Txn, rec *types.BlockCommitRecord) error {
	for _, log := range rec.Logs {
		if err := txn.Set(addrKey(log.Address, rec.Number, log.Index), nil); err != nil {
			return err
		}
		for pos, topic := range log.Topics {
			if pos >= MaxTopicPositions {
				break
			}
			if err := txn.Set(topicKey(pos, topic, rec.Number, log.Index), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Retract removes the block's entries within txn (reorg path).
func (ix *Index) Retract(txn *badger.Txn, rec *types.BlockCommitRecord) error {
	for _, log := range rec.Logs {
		if err := txn.Delete(addrKey(log.Address, rec.Number, log.Index)); err != nil {
			return err
		}
		for pos, topic := range log.Topics {
			if pos >= MaxTopicPositions {
				break
			}
			if err := txn.Delete(topicKey(pos, topic, rec.Number, log.Index)); err != nil {
				return err
			}
		}
	}
	return nil
}

// QueryAddress returns the positions of the address's logs in [from, to],
// ascending.
func (ix *Index) QueryAddress(addr common.Address, from, to uint64) ([]Position, error) {
	prefix := append(append([]byte{}, addrPrefix...), addr.Bytes()...)
	return ix.scan(prefix, from, to)
}

// QueryTopic returns the positions of logs carrying topic at the given
// position in [from, to], ascending.
func (ix *Index) QueryTopic(pos int, topic common.Hash, from, to uint64) ([]Position, error) {
	prefix := append(append([]byte{}, topicPrefix...), byte(pos))
	prefix = append(prefix, topic.Bytes()...)
	return ix.scan(prefix, from, to)
}

func (ix *Index) scan(prefix []byte, from, to uint64) ([]Position, error) {
	positions := []Position{}
	if from > to {
		return positions, nil
	}
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), be8(from)...)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			block, logIndex := positionFromKey(it.Item().Key())
			if block > to {
				break
			}
			positions = append(positions, Position{Block: block, LogIndex: logIndex})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return positions, nil
}

func addrKey(addr common.Address, block uint64, logIndex uint) []byte {
	key := append(append([]byte{}, addrPrefix...), addr.Bytes()...)
	key = append(key, be8(block)...)
	return append(key, be4(uint32(logIndex))...)
}

func topicKey(pos int, topic common.Hash, block uint64, logIndex uint) []byte {
	key := append(append([]byte{}, topicPrefix...), byte(pos))
	key = append(key, topic.Bytes()...)
	key = append(key, be8(block)...)
	return append(key, be4(uint32(logIndex))...)
}

func positionFromKey(key []byte) (uint64, uint) {
	n := len(key)
	block := binary.BigEndian.Uint64(key[n-12 : n-4])
	logIndex := binary.BigEndian.Uint32(key[n-4:])
	return block, uint(logIndex)
}

func be8(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func be4(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}
