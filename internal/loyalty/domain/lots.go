package domain

import (
	"slices"
	"time"
)

// Lot is an EARNED transaction and what is left of it.
type Lot struct {
	Earned    *Transaction
	Remaining int64
	// Settled is set once an EXPIRED offset has been written for the lot.
	Settled bool
}

// LiveAt reports whether the lot can be spent at t.
func (l *Lot) LiveAt(t time.Time) bool {
	return l.Earned.ExpiresAt == nil || t.Before(*l.Earned.ExpiresAt)
}

// Allocate replays a phone number's ledger. txs must be ordered by
// creation time then id. Each redemption draws from the lots that were
// live when it was made, earliest expiry first.
func Allocate(txs []*Transaction) []*Lot {
	var lots []*Lot
	byID := make(map[int64]*Lot)
	for _, t := range txs {
		switch t.TransactionType {
		case TransactionEarned:
			lot := &Lot{Earned: t, Remaining: t.Points}
			lots = append(lots, lot)
			byID[t.ID.Int64()] = lot
		case TransactionRedeemed:
			draw(lots, -t.Points, t.CreatedAt)
		case TransactionExpired:
			if t.SourceTransactionID == nil {
				continue
			}
			if lot, ok := byID[t.SourceTransactionID.Int64()]; ok {
				lot.Settled = true
			}
		}
	}
	return lots
}

// Available sums what live lots still hold at now.
func Available(lots []*Lot, now time.Time) int64 {
	var total int64
	for _, lot := range lots {
		if lot.LiveAt(now) {
			total += lot.Remaining
		}
	}
	return total
}

func draw(lots []*Lot, amount int64, at time.Time) {
	live := make([]*Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Remaining > 0 && lot.LiveAt(at) {
			live = append(live, lot)
		}
	}
	slices.SortStableFunc(live, func(a, b *Lot) int {
		ea, eb := a.Earned.ExpiresAt, b.Earned.ExpiresAt
		switch {
		case ea == nil && eb == nil:
			return 0
		case ea == nil:
			return 1
		case eb == nil:
			return -1
		}
		return ea.Compare(*eb)
	})
	for _, lot := range live {
		if amount <= 0 {
			return
		}
		take := min(lot.Remaining, amount)
		lot.Remaining -= take
		amount -= take
	}
}
