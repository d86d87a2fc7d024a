package feed

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"

	"github.com/fystack/logfilter/internal/node"
	"github.com/fystack/logfilter/pkg/common/logger"
	"github.com/fystack/logfilter/pkg/common/types"
	"github.com/fystack/logfilter/pkg/events"
	"github.com/fystack/logfilter/pkg/storage"
)

// Feed consumes block commits and mempool accepts from NATS and drives the
// node's commit pipeline. A duplicate or out-of-order commit stops the feed:
// the upstream stream is broken and pushing further blocks through it would
// corrupt the store.
type Feed struct {
	conn   *nats.Conn
	node   *node.Node
	prefix string
	codec  storage.Codec

	mu   sync.Mutex
	subs []*nats.Subscription

	failOnce sync.Once
	errCh    chan error
}

func New(conn *nats.Conn, n *node.Node, subjectPrefix string) *Feed {
	return &Feed{
		conn:   conn,
		node:   n,
		prefix: subjectPrefix,
		codec:  storage.JSON,
		errCh:  make(chan error, 1),
	}
}

// Start subscribes to the block and pending-transaction subjects. Message
// handling runs on the NATS delivery goroutine, one message at a time per
// subscription, which preserves commit order.
func (f *Feed) Start() error {
	blockSubject := events.Subject(f.prefix, events.BlocksSubject)
	blockSub, err := f.conn.Subscribe(blockSubject, f.handleBlock)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", blockSubject, err)
	}

	pendingSubject := events.Subject(f.prefix, events.PendingTxsSubject)
	pendingSub, err := f.conn.Subscribe(pendingSubject, f.handlePending)
	if err != nil {
		_ = blockSub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", pendingSubject, err)
	}

	f.mu.Lock()
	f.subs = []*nats.Subscription{blockSub, pendingSub}
	f.mu.Unlock()

	logger.Info("feed started", "blocks", blockSubject, "pending", pendingSubject)
	return nil
}

// Err delivers the fatal error that stopped the feed, if any.
func (f *Feed) Err() <-chan error {
	return f.errCh
}

// Stop unsubscribes from all subjects. The shared NATS connection stays open.
func (f *Feed) Stop() {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
}

func (f *Feed) handleBlock(msg *nats.Msg) {
	var rec types.BlockCommitRecord
	if err := f.codec.Unmarshal(msg.Data, &rec); err != nil {
		logger.Error("malformed block commit dropped", "subject", msg.Subject, "error", err)
		return
	}
	if err := f.node.OnNewBlock(&rec); err != nil {
		if types.IsCommitOrderViolation(err) {
			logger.Error("commit order violated, stopping feed", "number", rec.Number, "error", err)
			f.fail(err)
			return
		}
		logger.Error("block commit failed", "number", rec.Number, "error", err)
	}
}

func (f *Feed) handlePending(msg *nats.Msg) {
	var hash common.Hash
	if err := f.codec.Unmarshal(msg.Data, &hash); err != nil {
		logger.Error("malformed pending tx dropped", "subject", msg.Subject, "error", err)
		return
	}
	f.node.OnNewPendingTransaction(hash)
}

func (f *Feed) fail(err error) {
	f.failOnce.Do(func() {
		f.errCh <- err
	})
	f.Stop()
}
