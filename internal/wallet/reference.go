package wallet

import (
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewReference synthesizes a payment reference of the form
// PREFIX_<unix millis>_<random>. The random part is the entropy half of a
// ULID, which is monotonic within the process.
func NewReference(prefix string, now time.Time) string {
	id := ulid.Make().String()
	return strings.ToUpper(prefix) + "_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + id[10:]
}

func referencePrefix(t TransactionType) string {
	switch t {
	case TypeTransferOut, TypeTransferIn:
		return "TRF"
	case TypeWithdrawal:
		return "WDR"
	case TypeDeposit:
		return "DEP"
	default:
		return string(t)
	}
}
