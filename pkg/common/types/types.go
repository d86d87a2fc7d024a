package types

import (
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// BlockCommitRecord is the unit of ingestion handed to the core by the
// execution layer. It is produced exactly once per accepted block, in
// increasing block number order on the canonical (non-reorg) path.
type BlockCommitRecord struct {
	Number       uint64          `json:"number"`
	Hash         common.Hash     `json:"hash"`
	ParentHash   common.Hash     `json:"parentHash"`
	Time         uint64          `json:"timestamp"`
	Transactions []common.Hash   `json:"transactions"`
	Logs         []*ethtypes.Log `json:"logs"`
}

// Bloom folds every log address and topic of the record into a block-level
// bloom, used by the query engine to skip blocks that cannot match.
func (r *BlockCommitRecord) Bloom() ethtypes.Bloom {
	var bloom ethtypes.Bloom
	for _, log := range r.Logs {
		bloom.Add(log.Address.Bytes())
		for _, topic := range log.Topics {
			bloom.Add(topic.Bytes())
		}
	}
	return bloom
}

// Block is the stored view of a committed block, served by GetBlockByHash.
type Block struct {
	Number       uint64         `json:"number"`
	Hash         common.Hash    `json:"hash"`
	ParentHash   common.Hash    `json:"parentHash"`
	Time         uint64         `json:"timestamp"`
	Bloom        ethtypes.Bloom `json:"logsBloom"`
	Transactions []common.Hash  `json:"transactions"`
}

// Transaction is the minimal inclusion record served by GetTransactionByHash.
type Transaction struct {
	Hash        common.Hash `json:"hash"`
	BlockNumber uint64      `json:"blockNumber"`
	BlockHash   common.Hash `json:"blockHash"`
	Index       uint        `json:"transactionIndex"`
}
