package model

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageSize is the square input resolution of the classifier.
const ImageSize = 224

// Layout is the memory order of one image inside the input tensor.
type Layout string

const (
	// NHWC is channels-last, the Keras default.
	NHWC Layout = "NHWC"
	// NCHW is channels-first (planar).
	NCHW Layout = "NCHW"
)

// LoadImage decodes the image file at path. Alpha is discarded later by
// Preprocess, so RGBA and paletted images are accepted as well.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Preprocess resizes img to size x size with nearest-neighbour sampling and
// returns a single-batch float32 tensor with RGB values scaled to [0, 1].
func Preprocess(img image.Image, size int, layout Layout) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("image has no pixels")
	}

	resized := imaging.Resize(img, size, size, imaging.NearestNeighbor)

	const channels = 3
	plane := size * size
	input := make([]float32, channels*plane)

	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			pixelIndex := y*size + x
			for c := 0; c < channels; c++ {
				v := float32(px[c]) / 255.0
				switch layout {
				case NCHW:
					input[c*plane+pixelIndex] = v
				default:
					input[pixelIndex*channels+c] = v
				}
			}
		}
	}

	return input, nil
}
