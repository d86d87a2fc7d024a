package logindex

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fystack/logfilter/pkg/common/types"
	"github.com/fystack/logfilter/pkg/storage"
)

var (
	addrA = common.BytesToAddress([]byte{0xaa})
	addrB = common.BytesToAddress([]byte{0xbb})

	topicX = common.BytesToHash([]byte{0x01})
	topicY = common.BytesToHash([]byte{0x02})
)

func openTestIndex(t *testing.T) (*storage.DB, *Index) {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, New(db)
}

func record(number uint64, logs ...*ethtypes.Log) *types.BlockCommitRecord {
	for i, log := range logs {
		log.Index = uint(i)
	}
	return &types.BlockCommitRecord{Number: number, Logs: logs}
}

func write(t *testing.T, db *storage.DB, ix *Index, rec *types.BlockCommitRecord) {
	t.Helper()
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return ix.Write(txn, rec)
	}))
}

func TestQueryAddress(t *testing.T) {
	db, ix := openTestIndex(t)

	write(t, db, ix, record(10,
		&ethtypes.Log{Address: addrA},
		&ethtypes.Log{Address: addrB},
		&ethtypes.Log{Address: addrA},
	))
	write(t, db, ix, record(11,
		&ethtypes.Log{Address: addrB},
	))
	write(t, db, ix, record(12,
		&ethtypes.Log{Address: addrA},
	))

	positions, err := ix.QueryAddress(addrA, 10, 12)
	require.NoError(t, err)
	assert.Equal(t, []Position{{10, 0}, {10, 2}, {12, 0}}, positions)

	// Range bounds are inclusive and clip both ends.
	positions, err = ix.QueryAddress(addrA, 11, 12)
	require.NoError(t, err)
	assert.Equal(t, []Position{{12, 0}}, positions)

	positions, err = ix.QueryAddress(addrA, 0, 9)
	require.NoError(t, err)
	assert.Empty(t, positions)

	positions, err = ix.QueryAddress(addrA, 12, 10)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestQueryTopicIsPositionAware(t *testing.T) {
	db, ix := openTestIndex(t)

	write(t, db, ix, record(5,
		&ethtypes.Log{Address: addrA, Topics: []common.Hash{topicX, topicY}},
		&ethtypes.Log{Address: addrA, Topics: []common.Hash{topicY}},
	))

	positions, err := ix.QueryTopic(0, topicX, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, []Position{{5, 0}}, positions)

	positions, err = ix.QueryTopic(0, topicY, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, []Position{{5, 1}}, positions)

	// topicY appears at position 1 only in the first log.
	positions, err = ix.QueryTopic(1, topicY, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, []Position{{5, 0}}, positions)

	positions, err = ix.QueryTopic(1, topicX, 5, 5)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestTopicsBeyondProtocolBoundNotIndexed(t *testing.T) {
	db, ix := openTestIndex(t)

	topics := make([]common.Hash, MaxTopicPositions+1)
	for i := range topics {
		topics[i] = common.BytesToHash([]byte{byte(i + 1)})
	}
	write(t, db, ix, record(3, &ethtypes.Log{Address: addrA, Topics: topics}))

	positions, err := ix.QueryTopic(MaxTopicPositions-1, topics[MaxTopicPositions-1], 3, 3)
	require.NoError(t, err)
	assert.Len(t, positions, 1)

	positions, err = ix.QueryTopic(MaxTopicPositions, topics[MaxTopicPositions], 3, 3)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestRetractRemovesEntries(t *testing.T) {
	db, ix := openTestIndex(t)

	kept := record(20, &ethtypes.Log{Address: addrA, Topics: []common.Hash{topicX}})
	gone := record(21, &ethtypes.Log{Address: addrA, Topics: []common.Hash{topicX}})
	write(t, db, ix, kept)
	write(t, db, ix, gone)

	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return ix.Retract(txn, gone)
	}))

	positions, err := ix.QueryAddress(addrA, 20, 21)
	require.NoError(t, err)
	assert.Equal(t, []Position{{20, 0}}, positions)

	positions, err = ix.QueryTopic(0, topicX, 20, 21)
	require.NoError(t, err)
	assert.Equal(t, []Position{{20, 0}}, positions)
}
