// Package quality compares a registered volume with its reference.
//
// None of these numbers say whether a registration is anatomically right;
// they are cheap indicators for spotting runs that went badly wrong, like a
// volume that ended up shifted half a field of view away from its anchor.
package quality

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"anchorreg/internal/models"
)

// Metrics holds similarity measures between a reference and a registered
// volume.
type Metrics struct {
	Correlation float64 // Pearson correlation of voxel intensities
	MI          float64 // Mutual information under a Gaussian approximation (nats)
	RMSE        float64 // Root mean square intensity difference
	SSIM        float64 // Global structural similarity index
	EntropyDiff float64 // Absolute difference of 256-bin histogram entropies (bits)
}

func (m Metrics) String() string {
	return fmt.Sprintf("corr=%.4f mi=%.4f rmse=%.4f ssim=%.4f entropyDiff=%.4f",
		m.Correlation, m.MI, m.RMSE, m.SSIM, m.EntropyDiff)
}

// Compare computes the metrics of vol against ref. Both must have the same
// shape.
func Compare(ref, vol *models.Volume) (Metrics, error) {
	if !ref.SameShape(vol) {
		return Metrics{}, fmt.Errorf("cannot compare %dx%dx%d volume with %dx%dx%d reference",
			vol.Width, vol.Height, vol.Depth, ref.Width, ref.Height, ref.Depth)
	}
	if ref.Len() == 0 {
		return Metrics{}, fmt.Errorf("cannot compare empty volumes")
	}
	x, y := ref.Data, vol.Data
	return Metrics{
		Correlation: correlation(x, y),
		MI:          mutualInformation(x, y),
		RMSE:        rmse(x, y),
		SSIM:        ssim(x, y),
		EntropyDiff: math.Abs(entropy(x) - entropy(y)),
	}, nil
}

// Mean averages a set of metrics. It returns the zero value for an empty set.
func Mean(ms []Metrics) Metrics {
	if len(ms) == 0 {
		return Metrics{}
	}
	var sum Metrics
	for _, m := range ms {
		sum.Correlation += m.Correlation
		sum.MI += m.MI
		sum.RMSE += m.RMSE
		sum.SSIM += m.SSIM
		sum.EntropyDiff += m.EntropyDiff
	}
	n := float64(len(ms))
	return Metrics{
		Correlation: sum.Correlation / n,
		MI:          sum.MI / n,
		RMSE:        sum.RMSE / n,
		SSIM:        sum.SSIM / n,
		EntropyDiff: sum.EntropyDiff / n,
	}
}

func correlation(x, y []float64) float64 {
	if stat.Variance(x, nil) == 0 || stat.Variance(y, nil) == 0 {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// maxMI bounds mutualInformation for identical or perfectly correlated data
const maxMI = 10.0

// MI ≈ 0.5 * log(var(X) * var(Y) / (var(X) * var(Y) - cov(X,Y)²))
func mutualInformation(x, y []float64) float64 {
	varX := stat.Variance(x, nil)
	varY := stat.Variance(y, nil)
	if varX <= 0 || varY <= 0 {
		return 0
	}
	cov := stat.Covariance(x, y, nil)
	// Perfect correlation makes MI unbounded, so it saturates at maxMI
	det := math.Max(varX*varY-cov*cov, varX*varY*math.Exp(-2*maxMI))
	return 0.5 * math.Log(varX*varY/det)
}

func rmse(x, y []float64) float64 {
	return floats.Distance(x, y, 2) / math.Sqrt(float64(len(x)))
}

// ssim computes a single-window SSIM over the whole volume, with the
// dynamic range taken from the reference.
func ssim(x, y []float64) float64 {
	const k1, k2 = 0.01, 0.03

	l := floats.Max(x) - floats.Min(x)
	if l == 0 {
		l = 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	muX, varX := stat.MeanVariance(x, nil)
	muY, varY := stat.MeanVariance(y, nil)
	cov := stat.Covariance(x, y, nil)

	num := (2*muX*muY + c1) * (2*cov + c2)
	den := (muX*muX + muY*muY + c1) * (varX + varY + c2)
	if den == 0 {
		return 0
	}
	return num / den
}

// entropy is the Shannon entropy of a 256-bin intensity histogram.
func entropy(data []float64) float64 {
	const numBins = 256

	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0
	}

	hist := make([]float64, numBins)
	binWidth := (hi - lo) / numBins
	for _, v := range data {
		bin := int((v - lo) / binWidth)
		if bin >= numBins {
			bin = numBins - 1
		}
		hist[bin]++
	}

	n := float64(len(data))
	h := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / n
			h -= p * math.Log2(p)
		}
	}
	return h
}
