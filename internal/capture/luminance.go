package capture

import (
	"image"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Luminance is sampled on a grid; a 640x480 frame yields ~19k samples.
const sampleStride = 4

var samplePool = sync.Pool{
	New: func() interface{} {
		s := make([]float64, 0, 32*1024)
		return &s
	},
}

// luminanceStats returns mean and standard deviation of Rec. 601 luma,
// normalized to 0..1.
func luminanceStats(img *image.RGBA) (mean, stdDev float64) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return 0, 0
	}

	bufp := samplePool.Get().(*[]float64)
	samples := (*bufp)[:0]
	defer func() {
		*bufp = samples[:0]
		samplePool.Put(bufp)
	}()

	for y := b.Min.Y; y < b.Max.Y; y += sampleStride {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x += sampleStride {
			i := x * 4
			r, g, bl := float64(row[i]), float64(row[i+1]), float64(row[i+2])
			samples = append(samples, (0.299*r+0.587*g+0.114*bl)/255.0)
		}
	}

	if len(samples) < 2 {
		if len(samples) == 1 {
			return samples[0], 0
		}
		return 0, 0
	}
	return stat.MeanStdDev(samples, nil)
}
