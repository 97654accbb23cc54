package nanosam

import (
	"image"
	"math"

	"github.com/up-zero/gotool/imageutil"
)

// imageParams 图片尺寸信息
type imageParams struct {
	origW, origH int
	newW, newH   int // 缩放后 (未填充) 的尺寸
	scale        float32
}

// newImageParams 计算等比缩放到 size 后的尺寸, 长边对齐 size
func newImageParams(w, h, size int) imageParams {
	p := imageParams{origW: w, origH: h}
	if w <= 0 || h <= 0 {
		p.newW, p.newH, p.scale = 1, 1, 1
		return p
	}
	p.scale = float32(size) / float32(max(w, h))
	if w >= h {
		p.newW, p.newH = size, size*h/w
	} else {
		p.newW, p.newH = size*w/h, size
	}
	p.newW, p.newH = max(p.newW, 1), max(p.newH, 1)
	return p
}

// preprocess 等比缩放、右下补黑并归一化, 返回 CHW 数据
func preprocess(img image.Image, size int) ([]float32, imageParams) {
	bounds := img.Bounds()
	params := newImageParams(bounds.Dx(), bounds.Dy(), size)
	resized := imageutil.Resize(img, params.newW, params.newH)
	return normalizeAndPad(resized, size), params
}

// normalizeAndPad 归一化和填充
//
// 填充区域视为黑色像素, 同样参与归一化
func normalizeAndPad(src image.Image, size int) []float32 {
	plane := size * size
	data := make([]float32, 3*plane)

	padR := normalize(0, MeanR, StdR)
	padG := normalize(0, MeanG, StdG)
	padB := normalize(0, MeanB, StdB)
	for i := 0; i < plane; i++ {
		data[i] = padR
		data[plane+i] = padG
		data[2*plane+i] = padB
	}

	bounds := src.Bounds()
	w, h := min(bounds.Dx(), size), min(bounds.Dy(), size)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			// 目标索引 (CHW)
			idx := y*size + x
			data[idx] = normalize(r, MeanR, StdR)
			data[plane+idx] = normalize(g, MeanG, StdG)
			data[2*plane+idx] = normalize(b, MeanB, StdB)
		}
	}
	return data
}

// normalize RGBA() 返回 0-65535, 先还原为 8 位
func normalize(v uint32, mean, std float32) float32 {
	return (float32(v>>8)/255.0 - mean) / std
}

// preparePoints 提示点转换到模型坐标
func preparePoints(points []Point, scale float32) (coords, labels []float32) {
	coords = make([]float32, 0, len(points)*2)
	labels = make([]float32, 0, len(points))
	for _, pt := range points {
		coords = append(coords, pt.X*scale, pt.Y*scale)
		labels = append(labels, float32(pt.Label))
	}
	return coords, labels
}

// validRegion 低分辨率 Mask 中对应原图 (非填充) 的区域
//
// # Params:
//
//	targetW, targetH: 原图尺寸
//	edge: Mask 边长
func validRegion(targetW, targetH, edge int) (limX, limY int) {
	if targetW <= 0 || targetH <= 0 {
		return 1, 1
	}
	if targetW > targetH {
		limX, limY = edge, edge*targetH/targetW
	} else {
		limX, limY = edge*targetW/targetH, edge
	}
	return max(limX, 1), max(limY, 1)
}

// upscaleMask 裁剪有效区域并双线性插值到原图尺寸
//
// # Params:
//
//	logits: edge x edge 的 Mask
//	edge: Mask 边长
//	dstW, dstH: 原图尺寸
func upscaleMask(logits []float32, edge, dstW, dstH int) []float32 {
	limX, limY := validRegion(dstW, dstH, edge)
	xs := bilinearTaps(limX, dstW)
	ys := bilinearTaps(limY, dstH)

	out := make([]float32, dstW*dstH)
	for y, ty := range ys {
		row0 := logits[ty.i0*edge : ty.i0*edge+edge]
		row1 := logits[ty.i1*edge : ty.i1*edge+edge]
		for x, tx := range xs {
			top := row0[tx.i0]*(1-tx.f) + row0[tx.i1]*tx.f
			bottom := row1[tx.i0]*(1-tx.f) + row1[tx.i1]*tx.f
			out[y*dstW+x] = top*(1-ty.f) + bottom*ty.f
		}
	}
	return out
}

type tap struct {
	i0, i1 int
	f      float32
}

// bilinearTaps 像素中心对齐的采样位置, 越界时取边缘
func bilinearTaps(src, dst int) []tap {
	taps := make([]tap, dst)
	ratio := float64(src) / float64(dst)
	for i := range taps {
		s := (float64(i)+0.5)*ratio - 0.5
		if s < 0 {
			s = 0
		}
		i0 := int(math.Floor(s))
		f := float32(s - float64(i0))
		if i0 >= src-1 {
			i0, f = src-1, 0
		}
		taps[i] = tap{i0: i0, i1: min(i0+1, src-1), f: f}
	}
	return taps
}
