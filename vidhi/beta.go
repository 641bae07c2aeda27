package vidhi

import (
	"math"
	"math/rand"
)

// gammaSample draws one Gamma(alpha, 1) variate via Marsaglia-Tsang
// (spec.md §4.5 "Beta sampling"). No ecosystem library in the retrieved
// pack provides a Beta/Gamma distribution sampler (see DESIGN.md); this is
// the one place Vidhi reaches for math/rand directly instead of a
// third-party statistics package.
func gammaSample(alpha float64) float64 {
	if alpha < 1 {
		u := rand.Float64()
		return gammaSample(alpha+1) * math.Pow(u, 1/alpha)
	}
	d := alpha - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rand.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rand.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// betaSample draws one Beta(alpha, beta) variate as X/(X+Y) for
// independent Gamma(alpha,1), Gamma(beta,1) draws. Reproducibility is not
// required (spec.md §4.5); seeding is left to math/rand's default source.
func betaSample(alpha, beta float64) float64 {
	x := gammaSample(alpha)
	y := gammaSample(beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}
