package filters

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Kind discriminates the three filter flavors of the eth filter API.
type Kind int

const (
	LogsKind Kind = iota
	BlocksKind
	PendingTransactionsKind
)

func (k Kind) String() string {
	switch k {
	case LogsKind:
		return "logs"
	case BlocksKind:
		return "blocks"
	case PendingTransactionsKind:
		return "pending-transactions"
	default:
		return "unknown"
	}
}

// ID is the opaque handle of an installed filter. Ids are unique for the
// process lifetime and become invalid on uninstall.
type ID string

func newID() ID {
	return ID(uuid.NewString())
}

// filter is one live cursor. The cursor holds the last block delivered by a
// poll and only moves forward; Uninstalled is terminal.
type filter struct {
	id        ID
	kind      Kind
	crit      Criteria
	createdAt uint64 // head at installation

	mu          sync.Mutex
	uninstalled bool
	cursor      uint64
	// cursorSet is false until the filter has observed any head. Chains may
	// anchor at block 0, so a zero cursor alone cannot mean "nothing seen".
	cursorSet  bool
	lastUsed   time.Time
	pendingTxs []common.Hash // accept-order buffer, pending filters only
}
