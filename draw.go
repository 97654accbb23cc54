package segment

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// MaskColors 可选的 Mask 叠加颜色, 默认使用第一个
var MaskColors = []color.RGBA{
	{R: 128, G: 64, B: 128, A: 255},
	{R: 244, G: 35, B: 232, A: 255},
	{R: 70, G: 70, B: 70, A: 255},
	{R: 102, G: 102, B: 156, A: 255},
	{R: 190, G: 153, B: 153, A: 255},
	{R: 250, G: 170, B: 30, A: 255},
	{R: 220, G: 220, B: 0, A: 255},
	{R: 107, G: 142, B: 35, A: 255},
	{R: 70, G: 130, B: 180, A: 255},
	{R: 220, G: 20, B: 60, A: 255},
}

// OverlayOptions 叠加参数
type OverlayOptions struct {
	Color    color.RGBA
	Alpha    float32 // 颜色占比, 0~1
	ShowEdge bool    // 是否绘制前景边缘
	EdgeSize int     // 边缘宽度 (像素)
}

// DefaultOverlayOptions 默认叠加参数
func DefaultOverlayOptions() OverlayOptions {
	return OverlayOptions{
		Color:    MaskColors[0],
		Alpha:    0.8,
		ShowEdge: true,
		EdgeSize: 2,
	}
}

// DrawMask 将 Mask 以半透明颜色叠加到图片上
//
// # Params:
//
//	img: 被绘制的图像
//	mask: 与 img 同尺寸的 Mask, 非 0 表示前景
//	opts: 叠加参数
func DrawMask(img draw.Image, mask *image.Gray, opts OverlayOptions) error {
	bounds := img.Bounds()
	mb := mask.Bounds()
	if bounds.Dx() != mb.Dx() || bounds.Dy() != mb.Dy() {
		return fmt.Errorf("Mask 尺寸 %dx%d 与图片尺寸 %dx%d 不一致", mb.Dx(), mb.Dy(), bounds.Dx(), bounds.Dy())
	}

	alpha := min(max(opts.Alpha, 0), 1)
	cr, cg, cb := float32(opts.Color.R), float32(opts.Color.G), float32(opts.Color.B)
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			if mask.GrayAt(mb.Min.X+x, mb.Min.Y+y).Y == 0 {
				continue
			}
			r, g, b, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			img.Set(bounds.Min.X+x, bounds.Min.Y+y, color.RGBA{
				R: blend(cr, r, alpha),
				G: blend(cg, g, alpha),
				B: blend(cb, b, alpha),
				A: uint8(a >> 8),
			})
		}
	}

	if opts.ShowEdge {
		drawEdge(img, mask, max(opts.EdgeSize, 1))
	}
	return nil
}

func blend(c float32, v uint32, alpha float32) uint8 {
	return uint8(c*alpha + float32(v>>8)*(1-alpha) + 0.5)
}

// drawEdge 以白色绘制前景边缘
func drawEdge(img draw.Image, mask *image.Gray, size int) {
	bounds := img.Bounds()
	mb := mask.Bounds()
	w, h := mb.Dx(), mb.Dy()
	fg := func(x, y int) bool {
		if x < 0 || y < 0 || x >= w || y >= h {
			return false
		}
		return mask.GrayAt(mb.Min.X+x, mb.Min.Y+y).Y != 0
	}

	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !fg(x, y) {
				continue
			}
			if fg(x-1, y) && fg(x+1, y) && fg(x, y-1) && fg(x, y+1) {
				continue
			}
			// 边缘点, 向内侧加粗
			for dy := -size / 2; dy <= (size-1)/2; dy++ {
				for dx := -size / 2; dx <= (size-1)/2; dx++ {
					if fg(x+dx, y+dy) {
						img.Set(bounds.Min.X+x+dx, bounds.Min.Y+y+dy, white)
					}
				}
			}
		}
	}
}

// TextDrawer 文本绘制工具
type TextDrawer struct {
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("打开字体文件失败：%w", err)
	}
	return NewTextDrawerFromBytes(fontBytes)
}

// NewTextDrawerFromBytes 从字体数据创建文本绘制工具
func NewTextDrawerFromBytes(fontBytes []byte) (*TextDrawer, error) {
	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("解析字体文件失败：%w", err)
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(12); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSize 动态调整字体大小
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return err
	}

	// 释放旧 Face 内存
	if d.face != nil {
		d.face.Close()
	}
	d.face = nf
	d.fontSize = fontSize
	return nil
}

// DrawText 在 (x, y) 处绘制文本, y 为基线位置
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: d.face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	drawer.DrawString(text)
}

// MeasureText 返回文本绘制后的宽度 (像素)
func (d *TextDrawer) MeasureText(text string) int {
	return font.MeasureString(d.face, text).Ceil()
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.face != nil {
		d.face.Close()
		d.face = nil
	}
}
