package projection

// Totals are the projected aggregate columns of one affiliate.
type Totals struct {
	TotalSales       int64 `json:"total_sales"`
	TotalEarnings    int64 `json:"total_earnings"`
	AvailableBalance int64 `json:"available_balance"`
	TotalPaid        int64 `json:"total_paid"`
}

// Drift lists the columns where stored and recomputed totals disagree.
type Drift struct {
	AffiliateID int64    `json:"affiliate_id,string"`
	Stored      Totals   `json:"stored"`
	Expected    Totals   `json:"expected"`
	Fields      []string `json:"fields"`
}

func (d Drift) HasDrift() bool {
	return len(d.Fields) > 0
}

func diff(stored, expected Totals) []string {
	var fields []string
	if stored.TotalSales != expected.TotalSales {
		fields = append(fields, "total_sales")
	}
	if stored.TotalEarnings != expected.TotalEarnings {
		fields = append(fields, "total_earnings")
	}
	if stored.AvailableBalance != expected.AvailableBalance {
		fields = append(fields, "available_balance")
	}
	if stored.TotalPaid != expected.TotalPaid {
		fields = append(fields, "total_paid")
	}
	return fields
}
