package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Block is the light block view used for confirmation counting and reorg
// detection.
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  time.Time
	TxCount    int
}
