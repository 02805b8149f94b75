package domain

import "time"

// NonceStatus tracks a journalled sequence number through its lifecycle.
type NonceStatus string

const (
	NonceReserved  NonceStatus = "reserved"
	NonceBroadcast NonceStatus = "broadcast"
	NonceConfirmed NonceStatus = "confirmed"
	NonceReverted  NonceStatus = "reverted"
	NonceFailed    NonceStatus = "failed"
	NonceReleased  NonceStatus = "released"
)

// Consumed reports whether the chain is known to have used the nonce.
func (s NonceStatus) Consumed() bool {
	return s == NonceConfirmed || s == NonceReverted
}

// Outstanding reports whether the nonce may still be mined.
func (s NonceStatus) Outstanding() bool {
	return s == NonceReserved || s == NonceBroadcast || s == NonceFailed
}

// NonceRecord is one row of the nonce journal. It is written before
// broadcast so a restart can resolve what was in flight. RawTx holds the
// signed payload once broadcast so a dropped transaction can be resent.
type NonceRecord struct {
	Account       string
	Nonce         uint64
	Status        NonceStatus
	TxHash        string
	RawTx         []byte
	OpportunityID string
	UpdatedAt     time.Time
}
