package evaluator

// ternaryMax returns the x in [lo, hi] that maximises f, assuming f is
// unimodal on the interval. It runs exactly iterations narrowing steps and
// never calls f more than 2*iterations+3 times.
func ternaryMax(f func(float64) float64, lo, hi float64, iterations int) float64 {
	if hi <= lo {
		return lo
	}
	for i := 0; i < iterations; i++ {
		m1 := lo + (hi-lo)/3
		m2 := hi - (hi-lo)/3
		if f(m1) < f(m2) {
			lo = m1
		} else {
			hi = m2
		}
	}
	best := (lo + hi) / 2
	// The bracket can collapse onto an endpoint when the optimum sits there.
	if f(lo) > f(best) {
		best = lo
	}
	if f(hi) > f(best) {
		best = hi
	}
	return best
}
