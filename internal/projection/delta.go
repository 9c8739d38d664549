package projection

// Status values mirror the referral ledger; the projector only needs the
// names to decide which aggregate columns move.
const (
	statusPending   = "pending"
	statusConfirmed = "confirmed"
	statusPaid      = "paid"
	statusCancelled = "cancelled"
	statusRefunded  = "refunded"
)

// Delta is a signed change to an affiliate's aggregates.
type Delta struct {
	Sales    int64
	Earnings int64
	Balance  int64
	Paid     int64
}

func (d Delta) IsZero() bool {
	return d == Delta{}
}

func (d Delta) Add(other Delta) Delta {
	return Delta{
		Sales:    d.Sales + other.Sales,
		Earnings: d.Earnings + other.Earnings,
		Balance:  d.Balance + other.Balance,
		Paid:     d.Paid + other.Paid,
	}
}

// CreationDelta counts a new referral. Earnings stay provisional until the
// referral is confirmed.
func CreationDelta() Delta {
	return Delta{Sales: 1}
}

// DeltaFor returns the aggregate change for a referral moving from -> to.
// Transitions that never touched the balance yield a zero delta.
func DeltaFor(from, to string, commission int64) Delta {
	switch {
	case from == statusPending && to == statusConfirmed:
		return Delta{Earnings: commission, Balance: commission}
	case from == statusConfirmed && (to == statusCancelled || to == statusRefunded):
		return Delta{Earnings: -commission, Balance: -commission}
	case from == statusConfirmed && to == statusPaid:
		return Delta{Balance: -commission, Paid: commission}
	default:
		return Delta{}
	}
}
