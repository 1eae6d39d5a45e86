// Package imaging 流水线里用到的纯像素变换（mask 处理、减背景、前景合成）
package imaging

import (
	"image"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// ToNRGBA 转为 NRGBA，原点归零，方便直接操作 Pix
func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// HasAlpha 检查 alpha 通道是否真的包含透明信息
// 只要存在非 255（非完全不透明），就认为“已有抠图”
func HasAlpha(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 255 {
			return true
		}
	}
	return false
}

// luminance BT.601 加权亮度，四舍五入
func luminance(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
}

// Gray 直接把图像转换为灰度图（没有缩放和模糊）
func Gray(img image.Image) *image.Gray {
	src := ToNRGBA(img)
	gray := image.NewGray(src.Bounds())
	for i, j := 0, 0; i < len(src.Pix); i, j = i+4, j+1 {
		gray.Pix[j] = luminance(src.Pix[i], src.Pix[i+1], src.Pix[i+2])
	}
	return gray
}

// Invert 反转 RGB，保留 alpha。Invert(Invert(x)) == x
func Invert(img image.Image) *image.NRGBA {
	src := ToNRGBA(img)
	dst := image.NewNRGBA(src.Bounds())
	for i := 0; i < len(src.Pix); i += 4 {
		dst.Pix[i] = 255 - src.Pix[i]
		dst.Pix[i+1] = 255 - src.Pix[i+1]
		dst.Pix[i+2] = 255 - src.Pix[i+2]
		dst.Pix[i+3] = src.Pix[i+3]
	}
	return dst
}

// BinaryMask 生成反向二值 mask：亮度 <= threshold 的像素（背景）为 255，主体为 0
// 亮度按预乘 alpha 计算，透明像素视为黑色
func BinaryMask(img image.Image, threshold uint8) *image.Gray {
	src := ToNRGBA(img)
	mask := image.NewGray(src.Bounds())
	for i, j := 0, 0; i < len(src.Pix); i, j = i+4, j+1 {
		a := uint32(src.Pix[i+3])
		r := uint8(uint32(src.Pix[i]) * a / 255)
		g := uint8(uint32(src.Pix[i+1]) * a / 255)
		b := uint8(uint32(src.Pix[i+2]) * a / 255)
		if luminance(r, g, b) <= threshold {
			mask.Pix[j] = 255
		}
	}
	return mask
}

// SubtractBackground 用 mask 把背景减掉
//
// 逐通道饱和相减 img - mask：mask 白色（背景）处结果为黑，黑色（主体）处保留原图。
// 相减后亮度 > threshold 的像素 alpha 为 255，其余透明。输入的 alpha 被忽略。
func SubtractBackground(img, mask image.Image, threshold uint8) *image.NRGBA {
	src := ToNRGBA(img)
	m := ToNRGBA(matchSize(mask, src.Bounds()))

	dst := image.NewNRGBA(src.Bounds())
	for i := 0; i < len(src.Pix); i += 4 {
		r := subSat(src.Pix[i], m.Pix[i])
		g := subSat(src.Pix[i+1], m.Pix[i+1])
		b := subSat(src.Pix[i+2], m.Pix[i+2])
		dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = r, g, b
		if luminance(r, g, b) > threshold {
			dst.Pix[i+3] = 255
		}
	}
	return dst
}

func subSat(a, b uint8) uint8 {
	if a < b {
		return 0
	}
	return a - b
}

// Segment 保留 mask 为白（亮度 >= 128）的像素，其余置为全透明黑
func Segment(img, mask image.Image) *image.NRGBA {
	src := ToNRGBA(img)
	m := Gray(matchSize(mask, src.Bounds()))

	dst := image.NewNRGBA(src.Bounds())
	for i, j := 0, 0; i < len(src.Pix); i, j = i+4, j+1 {
		if m.Pix[j] >= 128 {
			copy(dst.Pix[i:i+4], src.Pix[i:i+4])
		}
	}
	return dst
}

// Overlay 把前景缩放到背景尺寸，再按前景 alpha 贴到 (x, y)
func Overlay(background, foreground image.Image, x, y int) *image.NRGBA {
	bg := ToNRGBA(background)
	out := image.NewNRGBA(bg.Bounds())
	copy(out.Pix, bg.Pix)

	w, h := bg.Bounds().Dx(), bg.Bounds().Dy()
	fg := foreground
	if fb := fg.Bounds(); fb.Dx() != w || fb.Dy() != h {
		fg = resize.Resize(uint(w), uint(h), fg, resize.Lanczos3)
	}

	r := image.Rect(x, y, x+w, y+h)
	draw.Draw(out, r, fg, fg.Bounds().Min, draw.Over)
	return out
}

// Fit 缩放（最长边 <= maxSide），maxSide <= 0 时不处理
func Fit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	longest := max(b.Dx(), b.Dy())
	if maxSide <= 0 || longest <= maxSide {
		return img
	}

	scale := float64(maxSide) / float64(longest)
	nw := max(1, int(math.Round(float64(b.Dx())*scale)))
	nh := max(1, int(math.Round(float64(b.Dy())*scale)))

	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// matchSize 模型返回的 mask 尺寸可能和原图不同，按原图尺寸最近邻缩放，保持二值
func matchSize(mask image.Image, bounds image.Rectangle) image.Image {
	mb := mask.Bounds()
	if mb.Dx() == bounds.Dx() && mb.Dy() == bounds.Dy() {
		return mask
	}
	return resize.Resize(uint(bounds.Dx()), uint(bounds.Dy()), mask, resize.NearestNeighbor)
}
