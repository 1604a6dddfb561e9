package ranking

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/glamstock/glamstock/internal/stock"
)

// Build derives the ranking snapshot from a consistent ledger view. It is a
// pure function: the same ledger and costs always produce the same snapshot.
// Only sale entries count as sold units; write-offs feed the branch KPI.
func Build(ledger stock.Snapshot, costs map[int64]decimal.Decimal, opts Options) Snapshot {
	global := map[int64]*VariantRanking{}
	perKey := map[stock.Key]*VariantRanking{}
	summaries := map[int64]*BranchSummary{}

	variant := func(id int64) *VariantRanking {
		v, ok := global[id]
		if !ok {
			v = &VariantRanking{VariantID: id}
			global[id] = v
		}
		return v
	}
	position := func(key stock.Key) *VariantRanking {
		v, ok := perKey[key]
		if !ok {
			v = &VariantRanking{VariantID: key.VariantID}
			perKey[key] = v
		}
		return v
	}
	branch := func(id int64) *BranchSummary {
		s, ok := summaries[id]
		if !ok {
			s = &BranchSummary{BranchID: id}
			summaries[id] = s
		}
		return s
	}

	for _, acc := range ledger.Accounts {
		variant(acc.VariantID).InStock += acc.Quantity
		position(acc.Key).InStock += acc.Quantity
		branch(acc.BranchID).InStock += acc.Quantity
	}

	var watermark int64
	for _, entry := range ledger.Entries {
		if entry.TransactionID > watermark {
			watermark = entry.TransactionID
		}
		sum := branch(entry.BranchID)
		switch entry.Reason {
		case stock.ReasonSale:
			qty := decimal.NewFromInt(entry.Quantity)
			revenue := entry.UnitPrice.Mul(qty)
			cost := costs[entry.VariantID].Mul(qty)
			for _, v := range []*VariantRanking{variant(entry.VariantID), position(entry.Key())} {
				v.UnitsSold += entry.Quantity
				v.Revenue = v.Revenue.Add(revenue)
				v.Cost = v.Cost.Add(cost)
			}
			sum.Transactions++
			sum.UnitsSold += entry.Quantity
			sum.Revenue = sum.Revenue.Add(revenue)
			sum.Cost = sum.Cost.Add(cost)
		case stock.ReasonWriteOff:
			sum.WrittenOff += entry.Quantity
		}
	}

	out := Snapshot{
		GeneratedAt:     ledger.TakenAt,
		LedgerWatermark: watermark,
		Branches:        []BranchRanking{},
		Summaries:       []BranchSummary{},
	}

	variants := make([]VariantRanking, 0, len(global))
	for _, v := range global {
		v.Margin = v.Revenue.Sub(v.Cost)
		variants = append(variants, *v)
	}
	out.MostSold = mostSold(variants, opts.limit())
	out.LeastSold = leastSold(variants, opts.limit())

	byBranch := map[int64][]VariantRanking{}
	for key, v := range perKey {
		v.Margin = v.Revenue.Sub(v.Cost)
		byBranch[key.BranchID] = append(byBranch[key.BranchID], *v)
	}
	for _, id := range sortedIDs(summaries) {
		s := summaries[id]
		s.Margin = s.Revenue.Sub(s.Cost)
		out.Summaries = append(out.Summaries, *s)
		out.Branches = append(out.Branches, BranchRanking{
			BranchID:  id,
			MostSold:  mostSold(byBranch[id], opts.limit()),
			LeastSold: leastSold(byBranch[id], opts.limit()),
		})
	}
	return out
}

// mostSold orders by units descending, then variant id ascending.
func mostSold(in []VariantRanking, limit int) []VariantRanking {
	out := make([]VariantRanking, 0, len(in))
	for _, v := range in {
		if v.UnitsSold > 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnitsSold != out[j].UnitsSold {
			return out[i].UnitsSold > out[j].UnitsSold
		}
		return out[i].VariantID < out[j].VariantID
	})
	return truncate(out, limit)
}

// leastSold only considers variants still in stock; units ascending, then
// variant id ascending.
func leastSold(in []VariantRanking, limit int) []VariantRanking {
	out := make([]VariantRanking, 0, len(in))
	for _, v := range in {
		if v.InStock > 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnitsSold != out[j].UnitsSold {
			return out[i].UnitsSold < out[j].UnitsSold
		}
		return out[i].VariantID < out[j].VariantID
	})
	return truncate(out, limit)
}

func truncate(in []VariantRanking, limit int) []VariantRanking {
	if len(in) > limit {
		return in[:limit]
	}
	return in
}

func sortedIDs(m map[int64]*BranchSummary) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
