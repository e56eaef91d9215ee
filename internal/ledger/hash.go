package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/stablr/paycore/internal/core/domain"
)

// GenesisSeed anchors every account's hash chain. The first entry for an
// account uses it as PrevHash.
const GenesisSeed = "paycore:ledger:genesis:v1"

// entryHash computes the tamper-evident hash of an entry. The hash covers
// the identity fields plus the previous entry's hash, so any mutation of
// historical data breaks recomputation from the genesis seed onward.
func entryHash(e *domain.LedgerEntry) string {
	h := sha256.New()
	h.Write([]byte(e.EntryID))
	h.Write([]byte{0})
	h.Write([]byte(e.AccountID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(e.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(e.Amount.String()))
	h.Write([]byte{0})
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write([]byte(e.Reference))
	h.Write([]byte{0})
	h.Write([]byte(e.RunningBalance.String()))
	h.Write([]byte{0})
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}
