package analyzer

import (
	"math"
	"math/cmplx"
)

// fft computes an in-place radix-2 transform; len(x) must be a power of two
func fft(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				u := x[start+k]
				v := x[start+k+size/2] * w
				x[start+k] = u + v
				x[start+k+size/2] = u - v
				w *= step
			}
		}
	}
}

func hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func hzToMel(f float64) float64 { return 2595 * math.Log10(1+f/700) }
func melToHz(m float64) float64 { return 700 * (math.Pow(10, m/2595) - 1) }

// melFilterbank returns triangular filters over the bins of an n-point spectrum
func melFilterbank(filters, n, sampleRate int, lowHz, highHz float64) [][]float64 {
	bins := n/2 + 1
	lowMel, highMel := hzToMel(lowHz), hzToMel(highHz)

	centers := make([]int, filters+2)
	for i := range centers {
		hz := melToHz(lowMel + (highMel-lowMel)*float64(i)/float64(filters+1))
		centers[i] = int(math.Floor(float64(n+1) * hz / float64(sampleRate)))
		if centers[i] >= bins {
			centers[i] = bins - 1
		}
	}

	bank := make([][]float64, filters)
	for m := 1; m <= filters; m++ {
		f := make([]float64, bins)
		left, center, right := centers[m-1], centers[m], centers[m+1]
		for k := left; k < center; k++ {
			f[k] = float64(k-left) / float64(center-left)
		}
		for k := center; k < right; k++ {
			f[k] = float64(right-k) / float64(right-center)
		}
		if center == left || center == right {
			f[center] = 1
		}
		bank[m-1] = f
	}
	return bank
}

// dct2 returns the first count coefficients of the orthonormal type-II DCT of x
func dct2(x []float64, count int) []float64 {
	n := len(x)
	out := make([]float64, count)
	for k := 0; k < count && k < n; k++ {
		var sum float64
		for i, v := range x {
			sum += v * math.Cos(math.Pi*float64(k)*(float64(i)+0.5)/float64(n))
		}
		scale := math.Sqrt(2 / float64(n))
		if k == 0 {
			scale = math.Sqrt(1 / float64(n))
		}
		out[k] = sum * scale
	}
	return out
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func euclidean(a, b []float64) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
