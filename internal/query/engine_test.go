package query

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fystack/logfilter/internal/filters"
	"github.com/fystack/logfilter/internal/logindex"
	"github.com/fystack/logfilter/internal/logstore"
	"github.com/fystack/logfilter/pkg/common/types"
	"github.com/fystack/logfilter/pkg/storage"
)

var (
	addrA = common.BytesToAddress([]byte{0xaa})
	addrB = common.BytesToAddress([]byte{0xbb})

	topicX = common.BytesToHash([]byte{0x01})
	topicY = common.BytesToHash([]byte{0x02})
	topicZ = common.BytesToHash([]byte{0x03})
)

type testEnv struct {
	t      *testing.T
	db     *storage.DB
	store  *logstore.Store
	index  *logindex.Index
	engine *Engine
}

func newTestEnv(t *testing.T, limits Limits) *testEnv {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := logstore.New(db)
	require.NoError(t, err)
	index := logindex.New(db)
	return &testEnv{
		t:      t,
		db:     db,
		store:  store,
		index:  index,
		engine: New(store, index, limits),
	}
}

// commit appends one block to both the store and the index, the way the
// node's commit pipeline does.
func (e *testEnv) commit(number uint64, logs ...*ethtypes.Log) {
	e.t.Helper()
	for i, log := range logs {
		log.Index = uint(i)
	}
	rec := &types.BlockCommitRecord{
		Number:     number,
		Hash:       common.BytesToHash([]byte{byte(number)}),
		ParentHash: common.BytesToHash([]byte{byte(number - 1)}),
		Logs:       logs,
	}
	require.NoError(e.t, e.store.CheckCommit(rec))
	require.NoError(e.t, e.db.Update(func(txn *badger.Txn) error {
		if err := e.store.Append(txn, rec); err != nil {
			return err
		}
		return e.index.Write(txn, rec)
	}))
	e.store.Promote(rec)
}

func (e *testEnv) getLogs(crit filters.Criteria) []*ethtypes.Log {
	e.t.Helper()
	logs, err := e.engine.GetLogs(context.Background(), crit)
	require.NoError(e.t, err)
	return logs
}

func uintPtr(n uint64) *uint64 { return &n }

func TestGetLogsEmptyStore(t *testing.T) {
	env := newTestEnv(t, Limits{})

	logs := env.getLogs(filters.Criteria{})
	require.NotNil(t, logs)
	assert.Empty(t, logs)
}

func TestUnboundedQueryIsLatestWindow(t *testing.T) {
	env := newTestEnv(t, Limits{})
	env.commit(1, &ethtypes.Log{Address: addrA})
	env.commit(2, &ethtypes.Log{Address: addrA})
	env.commit(3, &ethtypes.Log{Address: addrB}, &ethtypes.Log{Address: addrA})

	// Both ends default to the head, so only block 3 is visible.
	logs := env.getLogs(filters.Criteria{})
	require.Len(t, logs, 2)
	assert.Equal(t, uint64(3), logs[0].BlockNumber)
	assert.Equal(t, uint64(3), logs[1].BlockNumber)

	// Same window, address-constrained.
	logs = env.getLogs(filters.Criteria{Addresses: []common.Address{addrA}})
	require.Len(t, logs, 1)
	assert.Equal(t, addrA, logs[0].Address)
}

func TestExplicitRangeUnfiltered(t *testing.T) {
	env := newTestEnv(t, Limits{})
	env.commit(1, &ethtypes.Log{Address: addrA}, &ethtypes.Log{Address: addrB})
	env.commit(2)
	env.commit(3, &ethtypes.Log{Address: addrA})

	logs := env.getLogs(filters.Criteria{FromBlock: uintPtr(1), ToBlock: uintPtr(3)})
	require.Len(t, logs, 3)
	assert.Equal(t, uint64(1), logs[0].BlockNumber)
	assert.Equal(t, uint(0), logs[0].Index)
	assert.Equal(t, uint64(1), logs[1].BlockNumber)
	assert.Equal(t, uint(1), logs[1].Index)
	assert.Equal(t, uint64(3), logs[2].BlockNumber)

	// A half-open range defaults the other end to head.
	logs = env.getLogs(filters.Criteria{FromBlock: uintPtr(2)})
	require.Len(t, logs, 1)
	assert.Equal(t, uint64(3), logs[0].BlockNumber)
}

func TestAddressFilterAcrossRange(t *testing.T) {
	env := newTestEnv(t, Limits{})
	env.commit(1, &ethtypes.Log{Address: addrA}, &ethtypes.Log{Address: addrB})
	env.commit(2, &ethtypes.Log{Address: addrB})
	env.commit(3, &ethtypes.Log{Address: addrA})

	crit := filters.Criteria{
		FromBlock: uintPtr(1),
		ToBlock:   uintPtr(3),
		Addresses: []common.Address{addrA},
	}
	logs := env.getLogs(crit)
	require.Len(t, logs, 2)
	assert.Equal(t, uint64(1), logs[0].BlockNumber)
	assert.Equal(t, uint64(3), logs[1].BlockNumber)

	// OR across the address set.
	crit.Addresses = []common.Address{addrA, addrB}
	logs = env.getLogs(crit)
	assert.Len(t, logs, 4)
}

func TestTopicFilterSemantics(t *testing.T) {
	env := newTestEnv(t, Limits{})
	env.commit(1,
		&ethtypes.Log{Address: addrA, Topics: []common.Hash{topicX, topicY}},
		&ethtypes.Log{Address: addrA, Topics: []common.Hash{topicX, topicZ}},
		&ethtypes.Log{Address: addrB, Topics: []common.Hash{topicY}},
	)
	env.commit(2,
		&ethtypes.Log{Address: addrB, Topics: []common.Hash{topicX}},
		&ethtypes.Log{Address: addrA},
	)

	full := filters.Criteria{FromBlock: uintPtr(1), ToBlock: uintPtr(2)}

	crit := full
	crit.Topics = [][]common.Hash{{topicX}}
	assert.Len(t, env.getLogs(crit), 3)

	// AND across positions.
	crit.Topics = [][]common.Hash{{topicX}, {topicY}}
	logs := env.getLogs(crit)
	require.Len(t, logs, 1)
	assert.Equal(t, topicY, logs[0].Topics[1])

	// OR within a position.
	crit.Topics = [][]common.Hash{{topicX}, {topicY, topicZ}}
	assert.Len(t, env.getLogs(crit), 2)

	// Wildcard first position.
	crit.Topics = [][]common.Hash{nil, {topicZ}}
	assert.Len(t, env.getLogs(crit), 1)

	// Address and topic constraints intersect.
	crit.Topics = [][]common.Hash{{topicX}}
	crit.Addresses = []common.Address{addrB}
	logs = env.getLogs(crit)
	require.Len(t, logs, 1)
	assert.Equal(t, uint64(2), logs[0].BlockNumber)

	// A position beyond the protocol bound can never match.
	crit = full
	crit.Topics = [][]common.Hash{nil, nil, nil, nil, {topicX}}
	assert.Empty(t, env.getLogs(crit))
}

func TestWildcardOnlyTopicsConstrainLength(t *testing.T) {
	env := newTestEnv(t, Limits{})
	env.commit(1,
		&ethtypes.Log{Address: addrA},
		&ethtypes.Log{Address: addrA, Topics: []common.Hash{topicX}},
		&ethtypes.Log{Address: addrB, Topics: []common.Hash{topicX, topicY}},
	)

	full := filters.Criteria{FromBlock: uintPtr(1), ToBlock: uintPtr(1)}

	// A wildcard position has no index entries but still requires the log
	// to carry a topic there.
	crit := full
	crit.Topics = [][]common.Hash{nil}
	logs := env.getLogs(crit)
	require.Len(t, logs, 2)
	assert.NotEmpty(t, logs[0].Topics)
	assert.NotEmpty(t, logs[1].Topics)

	crit.Topics = [][]common.Hash{nil, nil}
	logs = env.getLogs(crit)
	require.Len(t, logs, 1)
	assert.Equal(t, addrB, logs[0].Address)

	crit.Topics = [][]common.Hash{nil, nil, nil}
	assert.Empty(t, env.getLogs(crit))

	// An empty position list is a wildcard too.
	crit.Topics = [][]common.Hash{{}}
	assert.Len(t, env.getLogs(crit), 2)
}

func TestFilterLogsIgnoresBlockRangeLimit(t *testing.T) {
	env := newTestEnv(t, Limits{MaxBlockRange: 2})
	for n := uint64(1); n <= 5; n++ {
		env.commit(n, &ethtypes.Log{Address: addrA})
	}

	crit := filters.Criteria{FromBlock: uintPtr(1), ToBlock: uintPtr(5)}
	_, err := env.engine.GetLogs(context.Background(), crit)
	assert.ErrorIs(t, err, types.ErrInvalidQuery)

	// Poll-driven queries span whatever grew between polls; the range cap
	// only binds ad-hoc queries.
	logs, err := env.engine.FilterLogs(context.Background(), crit)
	require.NoError(t, err)
	assert.Len(t, logs, 5)

	// The other limits still hold.
	_, err = env.engine.FilterLogs(context.Background(), filters.Criteria{
		FromBlock: uintPtr(5), ToBlock: uintPtr(1),
	})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)
}

func TestIndexedAndScanPathsAgree(t *testing.T) {
	env := newTestEnv(t, Limits{})
	for n := uint64(1); n <= 20; n++ {
		addr := addrA
		if n%3 == 0 {
			addr = addrB
		}
		env.commit(n,
			&ethtypes.Log{Address: addr, Topics: []common.Hash{topicX}},
			&ethtypes.Log{Address: addrA, Topics: []common.Hash{topicY}},
		)
	}

	crit := filters.Criteria{
		FromBlock: uintPtr(1),
		ToBlock:   uintPtr(20),
		Addresses: []common.Address{addrA},
		Topics:    [][]common.Hash{{topicX}},
	}
	indexed := env.getLogs(crit)

	// Brute force over the unfiltered scan.
	matcher := crit.Matcher()
	expected := []*ethtypes.Log{}
	for _, log := range env.getLogs(filters.Criteria{FromBlock: uintPtr(1), ToBlock: uintPtr(20)}) {
		if matcher.MatchLog(log) {
			expected = append(expected, log)
		}
	}
	assert.Equal(t, expected, indexed)
}

func TestInvalidQueries(t *testing.T) {
	env := newTestEnv(t, Limits{MaxAddresses: 2, MaxTopics: 4, MaxBlockRange: 10})
	env.commit(1, &ethtypes.Log{Address: addrA})

	_, err := env.engine.GetLogs(context.Background(), filters.Criteria{
		FromBlock: uintPtr(5), ToBlock: uintPtr(2),
	})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)

	_, err = env.engine.GetLogs(context.Background(), filters.Criteria{
		FromBlock: uintPtr(1), ToBlock: uintPtr(100),
	})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)

	_, err = env.engine.GetLogs(context.Background(), filters.Criteria{
		Addresses: []common.Address{addrA, addrB, common.BytesToAddress([]byte{0xcc})},
	})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)

	_, err = env.engine.GetLogs(context.Background(), filters.Criteria{
		Topics: [][]common.Hash{nil, nil, nil, nil, {topicX}},
	})
	assert.ErrorIs(t, err, types.ErrInvalidQuery)
}

func TestQueryHonorsContextCancellation(t *testing.T) {
	env := newTestEnv(t, Limits{})
	for n := uint64(1); n <= 5; n++ {
		env.commit(n, &ethtypes.Log{Address: addrA})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.engine.GetLogs(ctx, filters.Criteria{FromBlock: uintPtr(1), ToBlock: uintPtr(5)})
	assert.ErrorIs(t, err, context.Canceled)
}
