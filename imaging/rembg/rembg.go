package rembg

import (
	"context"
	"errors"
	"image"

	"github.com/chaos-io/scenepipe/imaging"
)

var ErrNoAlpha = errors.New("image has no transparent pixels")

type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// AlphaRemBG 只接受已经抠好图的输入（alpha 通道里有透明像素）
type AlphaRemBG struct{}

func NewAlphaRemBG() *AlphaRemBG {
	return &AlphaRemBG{}
}

func (a *AlphaRemBG) Remove(_ context.Context, img image.Image) (image.Image, error) {
	src := imaging.ToNRGBA(img)
	if !imaging.HasAlpha(src) {
		return nil, ErrNoAlpha
	}
	return src, nil
}
