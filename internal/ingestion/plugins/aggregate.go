package plugins

// costBucketMidpoints are the dollar midpoints of the six monthly electricity
// cost brackets (B25132_004E through B25132_009E).
var costBucketMidpoints = [6]float64{25, 75, 125, 175, 225, 275}

// WeightedBinAverage estimates a mean from bucketed counts using each bucket's
// midpoint. ok is false when the total count is not positive.
func WeightedBinAverage(counts [6]float64) (value float64, ok bool) {
	var total, weighted float64
	for i, c := range counts {
		total += c
		weighted += c * costBucketMidpoints[i]
	}
	if total <= 0 {
		return 0, false
	}
	return weighted / total, true
}
