package handlers

import (
	"errors"
	"fmt"
	"image"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/modelserver/internal/tensor"
)

var ErrImageShape = errors.New("input slot does not take an image")

// imageTensor resizes img to the slot's [H, W] or [H, W, C] shape, with C
// of 1 (luminance) or 3 (RGB), and scales pixels into [0, 1]. Unknown
// height or width keeps the source size.
func imageTensor(img image.Image, shape []int) (tensor.Tensor, error) {
	var height, width, channels int
	switch len(shape) {
	case 2:
		height, width, channels = shape[0], shape[1], 1
	case 3:
		height, width, channels = shape[0], shape[1], shape[2]
	default:
		return tensor.Tensor{}, fmt.Errorf("%w: shape %s", ErrImageShape, tensor.FormatShape(shape))
	}
	if channels != 1 && channels != 3 {
		return tensor.Tensor{}, fmt.Errorf("%w: %d channels", ErrImageShape, channels)
	}
	if height < 0 {
		height = img.Bounds().Dy()
	}
	if width < 0 {
		width = img.Bounds().Dx()
	}
	if height == 0 || width == 0 {
		return tensor.Tensor{}, fmt.Errorf("%w: empty image size", ErrImageShape)
	}

	resized := resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	bounds := resized.Bounds()

	data := make([]float64, 0, height*width*channels)
	for y := bounds.Min.Y; y < bounds.Min.Y+height; y++ {
		for x := bounds.Min.X; x < bounds.Min.X+width; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			rNorm := float64(r) / 65535.0
			gNorm := float64(g) / 65535.0
			bNorm := float64(b) / 65535.0
			if channels == 1 {
				data = append(data, 0.299*rNorm+0.587*gNorm+0.114*bNorm)
			} else {
				data = append(data, rNorm, gNorm, bNorm)
			}
		}
	}
	return tensor.New(imageShape(height, width, channels, len(shape)), data)
}

func imageShape(height, width, channels, rank int) []int {
	if rank == 2 {
		return []int{height, width}
	}
	return []int{height, width, channels}
}
