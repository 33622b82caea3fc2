// Package recurring detects subscription-like monthly charges in the ledger.
package recurring

import (
	"sort"
	"strings"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
	"github.com/boddenberg/ledger-ingest-go/internal/normalize"

	"github.com/shopspring/decimal"
)

// Detector finds monthly cadences per canonical merchant.
type Detector struct {
	cfg       Config
	allow     map[string]bool
	denyMerch map[string]bool
}

// NewDetector builds a detector from cfg.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:       cfg,
		allow:     upperSet(cfg.BrandAllowList),
		denyMerch: upperSet(cfg.ExcludedMerchants),
	}
}

// Config returns the detector's configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

type charge struct {
	date     time.Time
	amount   decimal.Decimal // positive
	merchant string
	category string
}

// segment is a stretch of months at one price level.
type segment struct {
	startMonth, endMonth int
	amount               decimal.Decimal
	months               int
	total                decimal.Decimal
	firstDate, lastDate  time.Time
	priceChanges         []domain.PriceChange
}

// Detect scans ledger rows and returns the detected subscriptions, current
// ones first, then by total charged descending. Only expenses are considered.
func (d *Detector) Detect(txns []domain.LedgerTransaction, now time.Time) domain.SubscriptionReport {
	groups := make(map[string][]charge)
	for _, t := range txns {
		if t.Deleted || t.TxnType != domain.TxnExpense || !t.Amount.IsNegative() {
			continue
		}
		key := normalize.MerchantKey(t.MerchantRaw, t.DescriptionRaw)
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], charge{
			date:     t.PostedDate,
			amount:   t.Amount.Abs(),
			merchant: t.MerchantRaw,
			category: t.CategoryName,
		})
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cutoff := now.AddDate(0, 0, -d.cfg.CurrentWindowDays)
	var subs []domain.Subscription
	for _, key := range keys {
		charges := groups[key]
		if len(charges) < d.cfg.MinConsecutiveMonths {
			continue
		}
		sort.Slice(charges, func(i, j int) bool { return charges[i].date.Before(charges[j].date) })

		category := mainCategory(charges)
		display := charges[len(charges)-1].merchant
		if !d.eligible(key, category, display) {
			continue
		}

		for _, seg := range d.merge(d.segments(charges)) {
			if seg.months < d.cfg.MinConsecutiveMonths {
				continue
			}
			subs = append(subs, domain.Subscription{
				Merchant:      key,
				DisplayName:   display,
				Category:      category,
				MonthlyAmount: seg.amount.Round(2),
				MonthsCount:   seg.months,
				TotalCharged:  seg.total.Round(2),
				FirstDate:     seg.firstDate,
				LastDate:      seg.lastDate,
				PriceChanges:  seg.priceChanges,
				IsCurrent:     !seg.lastDate.Before(cutoff),
			})
		}
	}

	sort.SliceStable(subs, func(i, j int) bool {
		a, b := subs[i], subs[j]
		if a.IsCurrent != b.IsCurrent {
			return a.IsCurrent
		}
		if !a.TotalCharged.Equal(b.TotalCharged) {
			return a.TotalCharged.GreaterThan(b.TotalCharged)
		}
		if a.MonthsCount != b.MonthsCount {
			return a.MonthsCount > b.MonthsCount
		}
		return a.Merchant < b.Merchant
	})

	report := domain.SubscriptionReport{
		Subscriptions: subs,
		TotalMonthly:  decimal.Zero,
		TotalAllTime:  decimal.Zero,
	}
	for _, s := range subs {
		report.TotalAllTime = report.TotalAllTime.Add(s.TotalCharged)
		if s.IsCurrent {
			report.CurrentCount++
			report.TotalMonthly = report.TotalMonthly.Add(s.MonthlyAmount)
		}
	}
	if report.Subscriptions == nil {
		report.Subscriptions = []domain.Subscription{}
	}
	return report
}

// eligible applies the allow-list, deny-lists and category heuristics.
func (d *Detector) eligible(key, category, display string) bool {
	if d.allow[strings.ToUpper(key)] {
		return true
	}
	if d.denyMerch[strings.ToUpper(key)] {
		return false
	}
	cat := strings.ToLower(category)
	if cat != "" {
		for _, ex := range d.cfg.ExcludedCategories {
			if strings.Contains(cat, ex) {
				return false
			}
		}
		for _, sub := range d.cfg.SubscriptionCategories {
			if strings.Contains(cat, sub) {
				return true
			}
		}
	}
	name := strings.ToUpper(display + " " + key)
	for _, kw := range d.cfg.SubscriptionKeywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// segments picks one charge per month, finds consecutive-month runs, validates
// them and splits each valid run into price levels.
func (d *Detector) segments(charges []charge) []segment {
	byMonth := make(map[int][]charge)
	for _, c := range charges {
		m := monthIndex(c.date)
		byMonth[m] = append(byMonth[m], c)
	}

	months := make([]int, 0, len(byMonth))
	picks := make(map[int]charge, len(byMonth))
	for m, cs := range byMonth {
		months = append(months, m)
		picks[m] = closestToMedian(cs)
	}
	sort.Ints(months)

	var out []segment
	for _, run := range consecutiveRuns(months) {
		if len(run) < d.cfg.MinConsecutiveMonths {
			continue
		}
		runPicks := make([]charge, len(run))
		for i, m := range run {
			runPicks[i] = picks[m]
		}
		if !d.consistent(runPicks) {
			continue
		}
		out = append(out, d.priceLevels(run, runPicks)...)
	}
	return out
}

// consistent checks amount and day-of-month tolerance for a run.
func (d *Detector) consistent(picks []charge) bool {
	amounts := make([]decimal.Decimal, len(picks))
	days := make([]decimal.Decimal, len(picks))
	for i, p := range picks {
		amounts[i] = p.amount
		days[i] = decimal.NewFromInt(int64(p.date.Day()))
	}

	med := median(amounts)
	outliers := 0
	for _, a := range amounts {
		if !d.withinAmountTolerance(a, med) {
			outliers++
		}
	}
	if float64(outliers)/float64(len(amounts)) > d.cfg.OutlierRatio {
		return false
	}

	medDay := median(days)
	dayTol := decimal.NewFromInt(int64(d.cfg.DayOfMonthTol))
	for _, day := range days {
		if day.Sub(medDay).Abs().GreaterThan(dayTol) {
			return false
		}
	}
	return true
}

func (d *Detector) withinAmountTolerance(amount, reference decimal.Decimal) bool {
	tol := decimal.Max(
		decimal.NewFromFloat(d.cfg.AmountAbsTol),
		reference.Abs().Mul(decimal.NewFromFloat(d.cfg.AmountPctTol)),
	)
	return amount.Abs().Sub(reference.Abs()).Abs().LessThanOrEqual(tol)
}

// priceLevels splits a validated run where the price steps by at least the
// change threshold and the next pick confirms the new level. A level needs two
// picks before it can be left, so a lone odd first charge joins the next level.
func (d *Detector) priceLevels(run []int, picks []charge) []segment {
	threshold := decimal.NewFromFloat(d.cfg.PriceChangeThreshold)
	var levels []segment
	start := 0
	level := []decimal.Decimal{picks[0].amount}

	flush := func(end int) {
		seg := segment{
			startMonth: run[start],
			endMonth:   run[end],
			amount:     median(level),
			months:     end - start + 1,
			total:      decimal.Zero,
			firstDate:  picks[start].date,
			lastDate:   picks[end].date,
		}
		for _, p := range picks[start : end+1] {
			seg.total = seg.total.Add(p.amount)
		}
		levels = append(levels, seg)
	}

	for i := 1; i < len(picks); i++ {
		cur := picks[i].amount
		stepped := cur.Sub(median(level)).Abs().GreaterThanOrEqual(threshold)
		confirmed := i+1 < len(picks) && picks[i+1].amount.Sub(cur).Abs().LessThan(threshold)
		if stepped && confirmed {
			if len(level) < 2 {
				// The odd pick stays in the segment's totals but not its price.
				level = []decimal.Decimal{cur}
				continue
			}
			flush(i - 1)
			start = i
			level = []decimal.Decimal{cur}
			continue
		}
		level = append(level, cur)
	}
	flush(len(picks) - 1)
	return levels
}

// merge joins segments separated by at most MergeGapMonths, recording a price
// change at each join where the amount moved by the threshold or more.
func (d *Detector) merge(segs []segment) []segment {
	if len(segs) == 0 {
		return nil
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].startMonth < segs[j].startMonth })
	threshold := decimal.NewFromFloat(d.cfg.PriceChangeThreshold)

	var merged []segment
	cur := segs[0]
	for _, s := range segs[1:] {
		if s.startMonth-cur.endMonth > d.cfg.MergeGapMonths {
			merged = append(merged, cur)
			cur = s
			continue
		}
		if s.amount.Sub(cur.amount).Abs().GreaterThanOrEqual(threshold) {
			cur.priceChanges = append(cur.priceChanges, domain.PriceChange{
				From: cur.amount.Round(2),
				To:   s.amount.Round(2),
				Date: s.firstDate.Format("2006-01"),
			})
		}
		cur.endMonth = s.endMonth
		cur.months += s.months
		cur.total = cur.total.Add(s.total)
		cur.amount = s.amount
		cur.lastDate = s.lastDate
	}
	merged = append(merged, cur)
	for i := range merged {
		if merged[i].priceChanges == nil {
			merged[i].priceChanges = []domain.PriceChange{}
		}
	}
	return merged
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}

// consecutiveRuns splits sorted month indexes into runs without gaps.
func consecutiveRuns(months []int) [][]int {
	if len(months) == 0 {
		return nil
	}
	var runs [][]int
	run := []int{months[0]}
	for _, m := range months[1:] {
		if m-run[len(run)-1] != 1 {
			runs = append(runs, run)
			run = nil
		}
		run = append(run, m)
	}
	return append(runs, run)
}

// closestToMedian picks the charge nearest the month's median amount; ties go
// to the earliest charge.
func closestToMedian(cs []charge) charge {
	amounts := make([]decimal.Decimal, len(cs))
	for i, c := range cs {
		amounts[i] = c.amount
	}
	med := median(amounts)
	best := cs[0]
	bestDist := best.amount.Sub(med).Abs()
	for _, c := range cs[1:] {
		dist := c.amount.Sub(med).Abs()
		if dist.LessThan(bestDist) || (dist.Equal(bestDist) && c.date.Before(best.date)) {
			best, bestDist = c, dist
		}
	}
	return best
}

func median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

// mainCategory is the most frequent non-empty category; ties resolve alphabetically.
func mainCategory(charges []charge) string {
	counts := make(map[string]int)
	for _, c := range charges {
		if c.category != "" {
			counts[c.category]++
		}
	}
	best, bestN := "", 0
	for name, n := range counts {
		if n > bestN || (n == bestN && name < best) {
			best, bestN = name, n
		}
	}
	return best
}

func upperSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return set
}
