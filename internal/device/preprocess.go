package device

import (
	"image"
	"image/color"
)

// Upscale enlarges img by an integer factor as greyscale (nearest neighbour).
func Upscale(img image.Image, factor int) *image.Gray {
	b := img.Bounds()
	if factor < 1 {
		factor = 1
	}
	out := image.NewGray(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := luma(img, b.Min.X+x, b.Min.Y+y)
			for dy := 0; dy < factor; dy++ {
				row := out.Pix[(y*factor+dy)*out.Stride:]
				for dx := 0; dx < factor; dx++ {
					row[x*factor+dx] = v
				}
			}
		}
	}
	return out
}

// Binarize thresholds a greyscale image at its Otsu level.
func Binarize(g *image.Gray) *image.Gray {
	t := OtsuThreshold(g)
	out := image.NewGray(g.Bounds())
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if g.GrayAt(x, y).Y > t {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

// OtsuThreshold picks the level maximizing between-class variance.
func OtsuThreshold(g *image.Gray) uint8 {
	var hist [256]int
	b := g.Bounds()
	total := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[g.GrayAt(x, y).Y]++
			total++
		}
	}
	if total == 0 {
		return 127
	}

	var sumAll float64
	for i, n := range hist {
		sumAll += float64(i * n)
	}

	var sumBg float64
	var weightBg int
	var best float64
	var level uint8
	for i := 0; i < 256; i++ {
		weightBg += hist[i]
		if weightBg == 0 {
			continue
		}
		weightFg := total - weightBg
		if weightFg == 0 {
			break
		}
		sumBg += float64(i * hist[i])
		meanBg := sumBg / float64(weightBg)
		meanFg := (sumAll - sumBg) / float64(weightFg)
		between := float64(weightBg) * float64(weightFg) * (meanBg - meanFg) * (meanBg - meanFg)
		if between > best {
			best = between
			level = uint8(i)
		}
	}
	return level
}
