package unlocker

// netReward is the block reward left after the pool fee
func netReward(reward uint64, feePercent float64) float64 {
	r := float64(reward)
	return r - r*(feePercent/100)
}

// calculatePayments splits each confirmed block's net reward across its
// round in proportion to shares, sums per worker over all blocks, and
// truncates each sum to whole balance units. The truncated remainder is not
// carried over. The share fraction is taken before scaling by the reward so
// the product stays below 2^53 at real reward and difficulty magnitudes.
func calculatePayments(confirmed []*maturedBlock, feePercent float64) map[string]int64 {
	totals := make(map[string]float64)
	for _, m := range confirmed {
		total := m.shares.Total()
		if total <= 0 {
			continue
		}
		net := netReward(m.reward, feePercent)
		for worker, count := range m.shares {
			totals[worker] += net * (float64(count) / float64(total))
		}
	}

	payments := make(map[string]int64, len(totals))
	for worker, amount := range totals {
		payments[worker] = int64(amount)
	}
	return payments
}
