package events

import (
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/nats-io/nats.go"

	"github.com/fystack/logfilter/pkg/common/types"
	"github.com/fystack/logfilter/pkg/storage"
)

// Subject names carried under the configured prefix. Blocks and pending
// transaction hashes flow in from the execution layer; committed and removed
// events flow out to downstream consumers.
const (
	BlocksSubject      = "blocks"
	PendingTxsSubject  = "txs.pending"
	CommittedSubject   = "committed.blocks"
	RemovedLogsSubject = "committed.removed"
)

// Subject joins a prefix and a subject name.
func Subject(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Emitter publishes commit-pipeline outcomes. A nil Emitter on the node
// disables emission.
type Emitter interface {
	// EmitBlock publishes a block after its store and index writes are
	// durable.
	EmitBlock(rec *types.BlockCommitRecord) error
	// EmitRemovedLogs publishes logs retracted by a rollback, with
	// Removed set.
	EmitRemovedLogs(logs []*ethtypes.Log) error
}

type natsEmitter struct {
	conn   *nats.Conn
	prefix string
	codec  storage.Codec
}

// NewEmitter builds an Emitter over an established NATS connection. The
// connection is shared with the feed; the emitter never closes it.
func NewEmitter(conn *nats.Conn, subjectPrefix string) Emitter {
	return &natsEmitter{
		conn:   conn,
		prefix: subjectPrefix,
		codec:  storage.JSON,
	}
}

func (e *natsEmitter) EmitBlock(rec *types.BlockCommitRecord) error {
	data, err := e.codec.Marshal(rec)
	if err != nil {
		return err
	}
	return e.conn.Publish(Subject(e.prefix, CommittedSubject), data)
}

func (e *natsEmitter) EmitRemovedLogs(logs []*ethtypes.Log) error {
	data, err := e.codec.Marshal(logs)
	if err != nil {
		return err
	}
	return e.conn.Publish(Subject(e.prefix, RemovedLogsSubject), data)
}
