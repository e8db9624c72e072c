package scanning

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	qualityMaxWidth = 640
	// sharpnessScale is the Laplacian variance treated as perfectly sharp
	sharpnessScale = 150.0
)

var laplacian = [9]float64{
	0, 1, 0,
	1, -4, 1,
	0, 1, 0,
}

// Quality scores a frame in [0,1] from sharpness (Laplacian variance),
// brightness balance and contrast. Blurry frames score low.
func Quality(data []byte) (float64, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decoding frame: %w", err)
	}
	if img.Bounds().Dx() > qualityMaxWidth {
		img = imaging.Resize(img, qualityMaxWidth, 0, imaging.Box)
	}
	gray := imaging.Grayscale(img)
	edges := imaging.Convolve3x3(gray, laplacian, &imaging.ConvolveOptions{Abs: true})

	_, edgeStd := grayStats(edges)
	mean, std := grayStats(gray)

	sharpness := math.Min(edgeStd*edgeStd/sharpnessScale, 1)
	brightness := 1 - math.Abs(mean-128)/128
	contrast := math.Min(std/64, 1)
	return 0.5*sharpness + 0.25*brightness + 0.25*contrast, nil
}

// grayStats returns mean and standard deviation of the red channel of a
// grayscale image
func grayStats(img *image.NRGBA) (float64, float64) {
	var sum, sumSq, n float64
	for i := 0; i < len(img.Pix); i += 4 {
		v := float64(img.Pix[i])
		sum += v
		sumSq += v * v
		n++
	}
	if n == 0 {
		return 0, 0
	}
	mean := sum / n
	return mean, math.Sqrt(math.Max(sumSq/n-mean*mean, 0))
}

// Enhance prepares a frame for OCR: grayscale, more contrast, light sharpening
func Enhance(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	out := imaging.Sharpen(imaging.AdjustContrast(imaging.Grayscale(img), 20), 1)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return buf.Bytes(), nil
}
