package node

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/fystack/logfilter/internal/filters"
	"github.com/fystack/logfilter/pkg/common/types"
)

// FilterAPI is the transport-agnostic surface of the eth filter namespace.
// Every method is safe for concurrent callers.
type FilterAPI struct {
	node *Node
}

func NewFilterAPI(n *Node) *FilterAPI {
	return &FilterAPI{node: n}
}

// GetLogs returns all committed logs matching crit, ascending by block and
// commit order. Unset range ends resolve to the head at call time.
func (api *FilterAPI) GetLogs(ctx context.Context, crit filters.Criteria) ([]*ethtypes.Log, error) {
	return api.node.engine.GetLogs(ctx, crit)
}

// NewFilter installs a log filter over crit and returns its id. Malformed
// criteria are rejected here rather than on the first poll.
func (api *FilterAPI) NewFilter(crit filters.Criteria) (filters.ID, error) {
	limits := api.node.limits
	if err := crit.Validate(limits.MaxAddresses, limits.MaxTopics, limits.MaxBlockRange); err != nil {
		return "", err
	}
	return api.node.filters.NewLogFilter(crit), nil
}

// NewBlockFilter installs a cursor over future block hashes.
func (api *FilterAPI) NewBlockFilter() filters.ID {
	return api.node.filters.NewBlockFilter()
}

// NewPendingTransactionFilter installs a buffer of future mempool accepts.
func (api *FilterAPI) NewPendingTransactionFilter() filters.ID {
	return api.node.filters.NewPendingTransactionFilter()
}

// GetFilterChanges returns everything the filter matched since the previous
// poll. An empty payload means nothing new; an unknown or uninstalled id is
// an error.
func (api *FilterAPI) GetFilterChanges(ctx context.Context, id filters.ID) (filters.Changes, error) {
	return api.node.filters.Changes(ctx, id)
}

// GetFilterLogs re-executes a log filter's full query, independent of its
// poll cursor. Only log filters support it.
func (api *FilterAPI) GetFilterLogs(ctx context.Context, id filters.ID) ([]*ethtypes.Log, error) {
	return api.node.filters.Logs(ctx, id)
}

// UninstallFilter removes the filter, reporting true exactly once per id.
func (api *FilterAPI) UninstallFilter(id filters.ID) bool {
	return api.node.filters.Uninstall(id)
}

// GetBlockByHash returns the stored view of a committed block.
func (api *FilterAPI) GetBlockByHash(hash common.Hash) (*types.Block, error) {
	return api.node.store.BlockByHash(hash)
}

// GetTransactionByHash returns the inclusion record of a committed
// transaction.
func (api *FilterAPI) GetTransactionByHash(hash common.Hash) (*types.Transaction, error) {
	return api.node.store.TxByHash(hash)
}
