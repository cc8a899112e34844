package device

import (
	"encoding/binary"
	"image"

	"github.com/cespare/xxhash/v2"
)

// HashSize is the side of the downscaled greyscale thumbnail that is hashed.
const HashSize = 16

// Hash is a cheap perceptual hash: img is box-averaged down to 16x16
// greyscale and the pixel bytes are hashed. Sub-cell noise such as
// antialiasing jitter rarely changes the result.
func Hash(img image.Image) uint64 {
	return xxhash.Sum64(Thumbnail(img))
}

// Thumbnail returns the HashSize*HashSize greyscale bytes of img.
func Thumbnail(img image.Image) []byte {
	out := make([]byte, HashSize*HashSize)
	b := img.Bounds()
	if b.Empty() {
		return out
	}
	for ty := 0; ty < HashSize; ty++ {
		y0 := b.Min.Y + ty*b.Dy()/HashSize
		y1 := max(y0+1, b.Min.Y+(ty+1)*b.Dy()/HashSize)
		for tx := 0; tx < HashSize; tx++ {
			x0 := b.Min.X + tx*b.Dx()/HashSize
			x1 := max(x0+1, b.Min.X+(tx+1)*b.Dx()/HashSize)

			var sum, n uint64
			for y := y0; y < y1 && y < b.Max.Y; y++ {
				for x := x0; x < x1 && x < b.Max.X; x++ {
					sum += uint64(luma(img, x, y))
					n++
				}
			}
			if n > 0 {
				out[ty*HashSize+tx] = byte(sum / n)
			}
		}
	}
	return out
}

// luma is the Rec. 601 luma of the pixel at (x, y), 0-255.
func luma(img image.Image, x, y int) uint8 {
	r, g, b, _ := img.At(x, y).RGBA()
	return uint8((19595*r + 38470*g + 7471*b + 1<<15) >> 24)
}

// Combine folds several hashes into one.
func Combine(hashes ...uint64) uint64 {
	buf := make([]byte, 8*len(hashes))
	for i, h := range hashes {
		binary.LittleEndian.PutUint64(buf[i*8:], h)
	}
	return xxhash.Sum64(buf)
}
