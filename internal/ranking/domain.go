package ranking

import (
	"time"

	"github.com/shopspring/decimal"
)

// VariantRanking aggregates the sales of one variant, either across all
// branches or within one branch.
type VariantRanking struct {
	VariantID int64           `json:"variant_id"`
	UnitsSold int64           `json:"units_sold"`
	Revenue   decimal.Decimal `json:"revenue"`
	Cost      decimal.Decimal `json:"cost"`
	Margin    decimal.Decimal `json:"margin"`
	InStock   int64           `json:"in_stock"`
}

// BranchRanking holds the per-branch most and least sold lists.
type BranchRanking struct {
	BranchID  int64            `json:"branch_id"`
	MostSold  []VariantRanking `json:"most_sold"`
	LeastSold []VariantRanking `json:"least_sold"`
}

// BranchSummary is the KPI block of one branch.
type BranchSummary struct {
	BranchID     int64           `json:"branch_id"`
	Transactions int64           `json:"transactions"`
	UnitsSold    int64           `json:"units_sold"`
	Revenue      decimal.Decimal `json:"revenue"`
	Cost         decimal.Decimal `json:"cost"`
	Margin       decimal.Decimal `json:"margin"`
	WrittenOff   int64           `json:"written_off_units"`
	InStock      int64           `json:"in_stock_units"`
}

// Snapshot is the derived ranking state. It can be rebuilt from the ledger at
// any time and is never a source of truth.
type Snapshot struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	LedgerWatermark int64            `json:"ledger_watermark"`
	MostSold        []VariantRanking `json:"most_sold"`
	LeastSold       []VariantRanking `json:"least_sold"`
	Branches        []BranchRanking  `json:"branches"`
	Summaries       []BranchSummary  `json:"summaries"`
}

// Branch returns the ranking and KPI block of one branch.
func (s Snapshot) Branch(branchID int64) (BranchRanking, BranchSummary, bool) {
	var (
		ranking BranchRanking
		summary BranchSummary
		found   bool
	)
	for _, b := range s.Branches {
		if b.BranchID == branchID {
			ranking, found = b, true
			break
		}
	}
	for _, sum := range s.Summaries {
		if sum.BranchID == branchID {
			summary, found = sum, true
			break
		}
	}
	return ranking, summary, found
}

// Options tune the builder.
type Options struct {
	// Limit caps every most/least sold list. Zero means 10.
	Limit int
}

func (o Options) limit() int {
	if o.Limit <= 0 {
		return 10
	}
	return o.Limit
}
