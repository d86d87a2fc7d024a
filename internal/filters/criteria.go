package filters

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/fystack/logfilter/pkg/common/types"
)

// Criteria is the tagged-variant form of a log query:
//
//   - nil FromBlock/ToBlock mean "latest at execution time";
//   - an empty address list matches any address;
//   - Topics[i] constrains the log's topic at position i, where a nil or
//     empty inner slice is a wildcard and multiple hashes are OR-matched.
type Criteria struct {
	FromBlock *uint64
	ToBlock   *uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

// Validate surfaces malformed criteria at query time. Zero limits disable
// the corresponding bound.
func (c Criteria) Validate(maxAddresses, maxTopics int, maxBlockRange uint64) error {
	if maxAddresses > 0 && len(c.Addresses) > maxAddresses {
		return fmt.Errorf("%w: %d addresses exceeds limit %d", types.ErrInvalidQuery, len(c.Addresses), maxAddresses)
	}
	if maxTopics > 0 && len(c.Topics) > maxTopics {
		return fmt.Errorf("%w: %d topic positions exceeds limit %d", types.ErrInvalidQuery, len(c.Topics), maxTopics)
	}
	if c.FromBlock != nil && c.ToBlock != nil {
		if *c.FromBlock > *c.ToBlock {
			return fmt.Errorf("%w: fromBlock %d above toBlock %d", types.ErrInvalidQuery, *c.FromBlock, *c.ToBlock)
		}
		if maxBlockRange > 0 && *c.ToBlock-*c.FromBlock+1 > maxBlockRange {
			return fmt.Errorf("%w: range %d-%d exceeds limit %d", types.ErrInvalidQuery, *c.FromBlock, *c.ToBlock, maxBlockRange)
		}
	}
	return nil
}

// Filtered reports whether the criteria carry anything the index can look
// up: at least one address or one concrete topic. Wildcard-only topic lists
// still constrain matching but have no index entries; callers route those
// through a scan with the matcher applied.
func (c Criteria) Filtered() bool {
	if len(c.Addresses) > 0 {
		return true
	}
	for _, sub := range c.Topics {
		if len(sub) > 0 {
			return true
		}
	}
	return false
}

// Matcher compiles the criteria into set-membership predicates. The result
// is not safe for concurrent use; compile one per query.
func (c Criteria) Matcher() *Matcher {
	m := &Matcher{}
	if len(c.Addresses) > 0 {
		m.addresses = mapset.NewThreadUnsafeSet(c.Addresses...)
	}
	for _, sub := range c.Topics {
		if len(sub) == 0 {
			m.topics = append(m.topics, nil)
			continue
		}
		m.topics = append(m.topics, mapset.NewThreadUnsafeSet(sub...))
	}
	return m
}

// Matcher evaluates compiled criteria against individual logs.
type Matcher struct {
	addresses mapset.Set[common.Address]
	topics    []mapset.Set[common.Hash] // nil entry = wildcard position
}

// MatchLog applies eth topic semantics: OR within a position, AND across
// positions. A query with more topic positions than the log carries can
// never match.
func (m *Matcher) MatchLog(log *ethtypes.Log) bool {
	if m.addresses != nil && !m.addresses.Contains(log.Address) {
		return false
	}
	if len(m.topics) > len(log.Topics) {
		return false
	}
	for i, set := range m.topics {
		if set == nil {
			continue
		}
		if !set.Contains(log.Topics[i]) {
			return false
		}
	}
	return true
}
