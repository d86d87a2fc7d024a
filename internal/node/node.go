package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/fystack/logfilter/internal/filters"
	"github.com/fystack/logfilter/internal/logindex"
	"github.com/fystack/logfilter/internal/logstore"
	"github.com/fystack/logfilter/internal/query"
	"github.com/fystack/logfilter/pkg/common/logger"
	"github.com/fystack/logfilter/pkg/common/types"
	"github.com/fystack/logfilter/pkg/events"
	"github.com/fystack/logfilter/pkg/storage"
)

// Node wires the log store, index, query engine and filter manager behind a
// single commit pipeline. Commits and rollbacks serialize on commitMu, so
// readers only ever observe whole blocks.
type Node struct {
	db      *storage.DB
	store   *logstore.Store
	index   *logindex.Index
	engine  *query.Engine
	filters *filters.Manager
	emitter events.Emitter
	limits  query.Limits

	commitMu sync.Mutex
}

type Options struct {
	// FilterTimeout is the idle window after which filters expire. Zero
	// disables expiry.
	FilterTimeout time.Duration
	QueryLimits   query.Limits
	// Emitter, when set, publishes committed blocks and reorg-removed logs.
	Emitter events.Emitter
}

// New opens the stores over db and recovers the head from disk. The caller
// keeps ownership of db until Close.
func New(db *storage.DB, opts Options) (*Node, error) {
	store, err := logstore.New(db)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	n := &Node{
		db:      db,
		store:   store,
		index:   logindex.New(db),
		emitter: opts.Emitter,
		limits:  opts.QueryLimits,
	}
	n.engine = query.New(n.store, n.index, opts.QueryLimits)
	n.filters = filters.NewManager(&backend{node: n}, opts.FilterTimeout)
	return n, nil
}

// OnNewBlock ingests one committed block. The store and index writes share a
// transaction, so a block becomes visible all at once or not at all. Order
// violations are returned before anything is written; the caller decides
// whether they are fatal.
func (n *Node) OnNewBlock(rec *types.BlockCommitRecord) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()

	if err := n.store.CheckCommit(rec); err != nil {
		return err
	}
	err := n.db.Update(func(txn *badger.Txn) error {
		if err := n.store.Append(txn, rec); err != nil {
			return err
		}
		return n.index.Write(txn, rec)
	})
	if err != nil {
		return fmt.Errorf("commit block %d: %w", rec.Number, err)
	}
	n.store.Promote(rec)
	logger.Debug("block committed",
		"number", rec.Number, "hash", rec.Hash, "logs", len(rec.Logs), "txs", len(rec.Transactions))

	if n.emitter != nil {
		if err := n.emitter.EmitBlock(rec); err != nil {
			logger.Warn("emit committed block failed", "number", rec.Number, "error", err)
		}
	}
	return nil
}

// OnNewPendingTransaction records mempool accepts into live pending filters.
func (n *Node) OnNewPendingTransaction(hashes ...common.Hash) {
	n.filters.OnPendingTransaction(hashes...)
}

// Rollback rewinds the chain to block number to, retracting every block
// above it from the store and index. Filter cursors are clamped to the new
// head so the next poll resumes there instead of a vanished range; retracted
// logs are not re-delivered through polls.
func (n *Node) Rollback(to uint64) error {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()

	for {
		head, _, ok := n.store.Head()
		if !ok || head <= to {
			break
		}
		var rec *types.BlockCommitRecord
		err := n.db.Update(func(txn *badger.Txn) error {
			var err error
			rec, err = n.store.Retract(txn)
			if err != nil {
				return err
			}
			return n.index.Retract(txn, rec)
		})
		if err != nil {
			return fmt.Errorf("retract block %d: %w", head, err)
		}
		if err := n.store.Demote(rec.Hash); err != nil {
			return fmt.Errorf("demote head after retracting %d: %w", rec.Number, err)
		}
		logger.Info("block retracted", "number", rec.Number, "hash", rec.Hash, "logs", len(rec.Logs))

		if n.emitter != nil && len(rec.Logs) > 0 {
			for _, log := range rec.Logs {
				log.Removed = true
			}
			if err := n.emitter.EmitRemovedLogs(rec.Logs); err != nil {
				logger.Warn("emit removed logs failed", "number", rec.Number, "error", err)
			}
		}
	}

	head, _, ok := n.store.Head()
	n.filters.ClampCursors(head, ok)
	return nil
}

// Head returns the latest committed block number and hash, ok false when
// nothing is committed yet.
func (n *Node) Head() (uint64, common.Hash, bool) {
	return n.store.Head()
}

// Filters exposes the filter manager for ingestion-side wiring.
func (n *Node) Filters() *filters.Manager {
	return n.filters
}

// Close stops the filter manager and releases the database.
func (n *Node) Close() error {
	n.filters.Close()

	errs := &types.MultiError{}
	if err := n.db.Close(); err != nil {
		errs.Add(fmt.Errorf("close db: %w", err))
	}
	if errs.IsEmpty() {
		return nil
	}
	return errs
}

// backend adapts the node's read paths to the filter manager.
type backend struct {
	node *Node
}

func (b *backend) HeadNumber() (uint64, bool) {
	number, _, ok := b.node.store.Head()
	return number, ok
}

func (b *backend) BlockHashesInRange(from, to uint64) ([]common.Hash, error) {
	return b.node.store.HashesInRange(from, to)
}

func (b *backend) Logs(ctx context.Context, crit filters.Criteria) ([]*ethtypes.Log, error) {
	return b.node.engine.FilterLogs(ctx, crit)
}
