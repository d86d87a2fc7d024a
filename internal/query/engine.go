package query

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/fystack/logfilter/internal/filters"
	"github.com/fystack/logfilter/internal/logindex"
	"github.com/fystack/logfilter/internal/logstore"
)

// Limits bound a single query. Zero values disable the bound, except
// MaxTopics which callers should set to the protocol maximum.
type Limits struct {
	MaxAddresses  int
	MaxTopics     int
	MaxBlockRange uint64
}

// Engine resolves filter criteria into Log Store and Index lookups. It
// holds no per-query state and never touches filter cursors.
type Engine struct {
	store  *logstore.Store
	index  *logindex.Index
	limits Limits
}

func New(store *logstore.Store, index *logindex.Index, limits Limits) *Engine {
	return &Engine{store: store, index: index, limits: limits}
}

// GetLogs returns all committed logs matching crit, ascending by
// (block, commit order). Unset range ends default to the head at call
// time, so an unbounded query is a moving window over "latest". The
// configured query limits apply in full.
func (e *Engine) GetLogs(ctx context.Context, crit filters.Criteria) ([]*ethtypes.Log, error) {
	return e.run(ctx, crit, e.limits)
}

// FilterLogs serves filter-manager polls. The criteria were validated at
// installation and the block span is however long the filter went between
// polls, so the range limit does not apply here.
func (e *Engine) FilterLogs(ctx context.Context, crit filters.Criteria) ([]*ethtypes.Log, error) {
	limits := e.limits
	limits.MaxBlockRange = 0
	return e.run(ctx, crit, limits)
}

func (e *Engine) run(ctx context.Context, crit filters.Criteria, limits Limits) ([]*ethtypes.Log, error) {
	head, _, committed := e.store.Head()

	from, to := head, head
	if crit.FromBlock != nil {
		from = *crit.FromBlock
	}
	if crit.ToBlock != nil {
		to = *crit.ToBlock
	}

	resolved := crit
	resolved.FromBlock, resolved.ToBlock = &from, &to
	if err := resolved.Validate(limits.MaxAddresses, limits.MaxTopics, limits.MaxBlockRange); err != nil {
		return nil, err
	}
	if !committed {
		return []*ethtypes.Log{}, nil
	}

	if crit.Filtered() {
		return e.indexedRange(ctx, resolved, from, to)
	}
	return e.scanRange(ctx, resolved, from, to)
}

// scanRange walks the store window directly. Wildcard-only topic queries
// have nothing to look up in the index but still constrain the log's shape
// (it must carry at least as many topics), so the matcher runs here too.
func (e *Engine) scanRange(ctx context.Context, crit filters.Criteria, from, to uint64) ([]*ethtypes.Log, error) {
	var matcher *filters.Matcher
	if len(crit.Topics) > 0 {
		matcher = crit.Matcher()
	}
	logs := []*ethtypes.Log{}
	err := e.store.ForEachLog(from, to, func(log *ethtypes.Log) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if matcher != nil && !matcher.MatchLog(log) {
			return nil
		}
		logs = append(logs, log)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// indexedRange intersects the index's candidate position sets (address
// union, per-position topic union), then fetches and re-checks each
// candidate log.
func (e *Engine) indexedRange(ctx context.Context, crit filters.Criteria, from, to uint64) ([]*ethtypes.Log, error) {
	var sets [][]logindex.Position

	if len(crit.Addresses) > 0 {
		var merged []logindex.Position
		for _, addr := range crit.Addresses {
			positions, err := e.index.QueryAddress(addr, from, to)
			if err != nil {
				return nil, err
			}
			merged = union(merged, positions)
		}
		sets = append(sets, merged)
	}

	for pos, sub := range crit.Topics {
		if len(sub) == 0 {
			continue
		}
		if pos >= logindex.MaxTopicPositions {
			// No log carries a topic past the protocol bound.
			return []*ethtypes.Log{}, nil
		}
		var merged []logindex.Position
		for _, topic := range sub {
			positions, err := e.index.QueryTopic(pos, topic, from, to)
			if err != nil {
				return nil, err
			}
			merged = union(merged, positions)
		}
		sets = append(sets, merged)
	}

	candidates := intersect(sets)
	matcher := crit.Matcher()
	logs := []*ethtypes.Log{}

	var (
		current   uint64
		blockLogs []*ethtypes.Log
		loaded    bool
		blockOK   bool
	)
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !loaded || p.Block != current {
			current, loaded = p.Block, true
			block, err := e.store.BlockByNumber(p.Block)
			if err != nil {
				return nil, err
			}
			blockOK = bloomFilter(block.Bloom, crit.Addresses, crit.Topics)
			if blockOK {
				blockLogs, err = e.store.LogsByNumber(p.Block)
				if err != nil {
					return nil, err
				}
			}
		}
		if !blockOK {
			continue
		}
		for _, log := range blockLogs {
			if log.Index != p.LogIndex {
				continue
			}
			if matcher.MatchLog(log) {
				logs = append(logs, log)
			}
			break
		}
	}
	return logs, nil
}

// bloomFilter reports whether a block bloom can contain a match for the
// given addresses and topics.
func bloomFilter(bloom ethtypes.Bloom, addresses []common.Address, topics [][]common.Hash) bool {
	if len(addresses) > 0 {
		included := false
		for _, addr := range addresses {
			if ethtypes.BloomLookup(bloom, addr) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, sub := range topics {
		included := len(sub) == 0 // wildcard position
		for _, topic := range sub {
			if ethtypes.BloomLookup(bloom, topic) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	return true
}

func cmpPosition(a, b logindex.Position) int {
	switch {
	case a.Block != b.Block:
		if a.Block < b.Block {
			return -1
		}
		return 1
	case a.LogIndex != b.LogIndex:
		if a.LogIndex < b.LogIndex {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// union merges two ascending position sets, deduplicated.
func union(a, b []logindex.Position) []logindex.Position {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]logindex.Position, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch cmpPosition(a[i], b[j]) {
		case -1:
			out = append(out, a[i])
			i++
		case 1:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// intersect folds ascending position sets into their common members.
func intersect(sets [][]logindex.Position) []logindex.Position {
	if len(sets) == 0 {
		return nil
	}
	out := sets[0]
	for _, set := range sets[1:] {
		merged := make([]logindex.Position, 0, min(len(out), len(set)))
		i, j := 0, 0
		for i < len(out) && j < len(set) {
			switch cmpPosition(out[i], set[j]) {
			case -1:
				i++
			case 1:
				j++
			default:
				merged = append(merged, out[i])
				i++
				j++
			}
		}
		out = merged
		if len(out) == 0 {
			break
		}
	}
	return out
}
