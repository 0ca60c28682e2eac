package media

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
)

// Classification thresholds operate on 8-bit intensity values. A frame is
// blurry when the variance of its Laplacian falls below blurThreshold, and
// dark when the mean value channel falls below darkThreshold.
const (
	blurThreshold = 100.0
	darkThreshold = 100.0
)

// Classifier decides per frame whether enhancement is needed.
type Classifier interface {
	Classify(ctx context.Context, framePath string) (FrameQuality, error)
}

// LaplacianClassifier scores frames with a Laplacian variance blur metric
// and a mean-brightness darkness metric.
type LaplacianClassifier struct{}

// Classify decodes the frame and applies both quality checks.
func (LaplacianClassifier) Classify(ctx context.Context, framePath string) (FrameQuality, error) {
	if err := ctx.Err(); err != nil {
		return FrameQuality{}, err
	}
	file, err := os.Open(framePath)
	if err != nil {
		return FrameQuality{}, fmt.Errorf("open frame %q: %w", framePath, err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return FrameQuality{}, fmt.Errorf("decode frame %q: %w", framePath, err)
	}

	gray, value := intensityPlanes(img)
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	return FrameQuality{
		Blurry: laplacianVariance(gray, width, height) < blurThreshold,
		Dark:   mean(value) < darkThreshold,
	}, nil
}

// intensityPlanes returns the grayscale plane used for the blur metric and
// the per-pixel value channel (max of RGB) used for the darkness metric.
func intensityPlanes(img image.Image) (gray []float64, value []float64) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	gray = make([]float64, width*height)
	value = make([]float64, width*height)

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			r8 := float64(r >> 8)
			g8 := float64(g >> 8)
			b8 := float64(b >> 8)
			gray[i] = 0.299*r8 + 0.587*g8 + 0.114*b8
			value[i] = max3(r8, g8, b8)
			i++
		}
	}
	return gray, value
}

// laplacianVariance convolves the 3x3 Laplacian kernel over the interior of
// the grayscale plane and returns the variance of the response.
func laplacianVariance(gray []float64, width, height int) float64 {
	if width < 3 || height < 3 {
		return 0
	}
	responses := make([]float64, 0, (width-2)*(height-2))
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			center := gray[y*width+x]
			lap := gray[(y-1)*width+x] + gray[(y+1)*width+x] +
				gray[y*width+x-1] + gray[y*width+x+1] - 4*center
			responses = append(responses, lap)
		}
	}
	return variance(responses)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(values))
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
