package filters

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/fystack/logfilter/pkg/common/logger"
	"github.com/fystack/logfilter/pkg/common/types"
)

// Backend is the read surface the manager polls against. The node wires the
// log store and query engine into it.
type Backend interface {
	// HeadNumber is the latest committed block number. ok is false before
	// the first commit; chains may anchor at block 0, so the number alone
	// cannot signal emptiness.
	HeadNumber() (number uint64, ok bool)
	// BlockHashesInRange returns hashes of blocks in [from, to] ascending.
	BlockHashesInRange(from, to uint64) ([]common.Hash, error)
	// Logs runs a bounded log query. Both range ends of crit are set.
	Logs(ctx context.Context, crit Criteria) ([]*ethtypes.Log, error)
}

// Changes is the payload of one poll. Logs is populated for log filters,
// Hashes for block and pending-transaction filters. Empty payloads mean
// "nothing new", never "filter gone".
type Changes struct {
	Logs   []*ethtypes.Log
	Hashes []common.Hash
}

// Manager owns the registry of live filters. Install/poll/uninstall are
// safe from concurrent callers; polls of the same id serialize on the
// filter's own mutex so a cursor never rewinds or double-delivers.
type Manager struct {
	backend Backend
	timeout time.Duration

	mu      sync.Mutex
	filters map[ID]*filter

	quit chan struct{}
	done chan struct{}
}

// NewManager starts the registry. Filters idle longer than timeout are
// uninstalled by a background loop; timeout <= 0 disables expiry.
func NewManager(backend Backend, timeout time.Duration) *Manager {
	m := &Manager{
		backend: backend,
		timeout: timeout,
		filters: make(map[ID]*filter),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if timeout > 0 {
		go m.expireLoop()
	} else {
		close(m.done)
	}
	return m
}

// NewLogFilter installs a cursor over future logs matching crit.
func (m *Manager) NewLogFilter(crit Criteria) ID {
	return m.install(LogsKind, crit)
}

// NewBlockFilter installs a cursor over future block hashes.
func (m *Manager) NewBlockFilter() ID {
	return m.install(BlocksKind, Criteria{})
}

// NewPendingTransactionFilter installs a buffer of future mempool accepts.
func (m *Manager) NewPendingTransactionFilter() ID {
	return m.install(PendingTransactionsKind, Criteria{})
}

func (m *Manager) install(kind Kind, crit Criteria) ID {
	head, ok := m.backend.HeadNumber()
	f := &filter{
		id:        newID(),
		kind:      kind,
		crit:      crit,
		createdAt: head,
		cursor:    head,
		cursorSet: ok,
		lastUsed:  time.Now(),
	}
	m.mu.Lock()
	m.filters[f.id] = f
	m.mu.Unlock()
	logger.Debug("filter installed", "id", f.id, "kind", kind.String(), "head", head)
	return f.id
}

// OnPendingTransaction records hashes accepted into the mempool, in accept
// order, into every live pending filter.
func (m *Manager) OnPendingTransaction(hashes ...common.Hash) {
	if len(hashes) == 0 {
		return
	}
	m.mu.Lock()
	receivers := make([]*filter, 0, len(m.filters))
	for _, f := range m.filters {
		if f.kind == PendingTransactionsKind {
			receivers = append(receivers, f)
		}
	}
	m.mu.Unlock()

	for _, f := range receivers {
		f.mu.Lock()
		if !f.uninstalled {
			f.pendingTxs = append(f.pendingTxs, hashes...)
		}
		f.mu.Unlock()
	}
}

// Changes returns everything the filter matched since the previous poll and
// advances its cursor to the current head.
func (m *Manager) Changes(ctx context.Context, id ID) (Changes, error) {
	f, err := m.get(id)
	if err != nil {
		return Changes{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uninstalled {
		return Changes{}, types.ErrFilterNotFound
	}
	f.lastUsed = time.Now()

	switch f.kind {
	case PendingTransactionsKind:
		hashes := f.pendingTxs
		f.pendingTxs = nil
		if hashes == nil {
			hashes = []common.Hash{}
		}
		return Changes{Hashes: hashes}, nil

	case BlocksKind:
		head, ok := m.backend.HeadNumber()
		if !ok || (f.cursorSet && head <= f.cursor) {
			return Changes{Hashes: []common.Hash{}}, nil
		}
		var from uint64
		if f.cursorSet {
			from = f.cursor + 1
		}
		hashes, err := m.backend.BlockHashesInRange(from, head)
		if err != nil {
			return Changes{}, err
		}
		f.cursor, f.cursorSet = head, true
		return Changes{Hashes: hashes}, nil

	default: // LogsKind
		head, ok := m.backend.HeadNumber()
		if !ok || (f.cursorSet && head <= f.cursor) {
			return Changes{Logs: []*ethtypes.Log{}}, nil
		}
		var from uint64
		if f.cursorSet {
			from = f.cursor + 1
		}
		if f.crit.FromBlock != nil && *f.crit.FromBlock > from {
			from = *f.crit.FromBlock
		}
		to := head
		if f.crit.ToBlock != nil && *f.crit.ToBlock < to {
			to = *f.crit.ToBlock
		}
		if from > to {
			f.cursor, f.cursorSet = head, true
			return Changes{Logs: []*ethtypes.Log{}}, nil
		}
		crit := f.crit
		crit.FromBlock, crit.ToBlock = &from, &to
		logs, err := m.backend.Logs(ctx, crit)
		if err != nil {
			return Changes{}, err
		}
		f.cursor, f.cursorSet = head, true
		return Changes{Logs: logs}, nil
	}
}

// Logs re-executes a log filter's full query from its fromBlock (or the
// head at installation) to the current head. The cursor is neither read nor
// moved, so the result is independent of prior Changes calls.
func (m *Manager) Logs(ctx context.Context, id ID) ([]*ethtypes.Log, error) {
	f, err := m.get(id)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.uninstalled || f.kind != LogsKind {
		f.mu.Unlock()
		return nil, types.ErrFilterNotFound
	}
	f.lastUsed = time.Now()
	crit := f.crit
	createdAt := f.createdAt
	f.mu.Unlock()

	to, ok := m.backend.HeadNumber()
	if !ok {
		return []*ethtypes.Log{}, nil
	}
	from := createdAt
	if crit.FromBlock != nil {
		from = *crit.FromBlock
	}
	if crit.ToBlock != nil && *crit.ToBlock < to {
		to = *crit.ToBlock
	}
	if from > to {
		return []*ethtypes.Log{}, nil
	}
	crit.FromBlock, crit.ToBlock = &from, &to
	return m.backend.Logs(ctx, crit)
}

// Uninstall removes the filter. It reports true exactly once for a given
// id; repeated calls and unknown ids report false without error.
func (m *Manager) Uninstall(id ID) bool {
	m.mu.Lock()
	f, ok := m.filters[id]
	if ok {
		delete(m.filters, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	f.mu.Lock()
	f.uninstalled = true
	f.mu.Unlock()
	logger.Debug("filter uninstalled", "id", id, "kind", f.kind.String())
	return true
}

// ClampCursors rewinds cursors after a rollback so the next poll resumes
// from the new head instead of a vanished range. ok false means the store
// emptied; cursors reset so a re-anchored chain is delivered in full.
func (m *Manager) ClampCursors(head uint64, ok bool) {
	m.mu.Lock()
	live := make([]*filter, 0, len(m.filters))
	for _, f := range m.filters {
		live = append(live, f)
	}
	m.mu.Unlock()

	for _, f := range live {
		f.mu.Lock()
		if !ok {
			f.cursorSet = false
		} else if f.cursorSet && f.cursor > head {
			f.cursor = head
		}
		f.mu.Unlock()
	}
}

// Count returns the number of live filters.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filters)
}

// Close stops the expiry loop and drops every live filter.
func (m *Manager) Close() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	<-m.done

	m.mu.Lock()
	dropped := make([]*filter, 0, len(m.filters))
	for id, f := range m.filters {
		dropped = append(dropped, f)
		delete(m.filters, id)
	}
	m.mu.Unlock()
	for _, f := range dropped {
		f.mu.Lock()
		f.uninstalled = true
		f.mu.Unlock()
	}
}

func (m *Manager) get(id ID) (*filter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.filters[id]
	if !ok {
		return nil, types.ErrFilterNotFound
	}
	return f, nil
}

func (m *Manager) expireLoop() {
	defer close(m.done)

	interval := m.timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.expire(time.Now().Add(-m.timeout))
		}
	}
}

func (m *Manager) expire(cutoff time.Time) {
	m.mu.Lock()
	var stale []*filter
	for id, f := range m.filters {
		f.mu.Lock()
		idle := f.lastUsed.Before(cutoff)
		f.mu.Unlock()
		if idle {
			delete(m.filters, id)
			stale = append(stale, f)
		}
	}
	m.mu.Unlock()

	for _, f := range stale {
		f.mu.Lock()
		f.uninstalled = true
		f.mu.Unlock()
		logger.Debug("filter expired", "id", f.id, "kind", f.kind.String())
	}
}
