package main

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	segment "github.com/getcharzp/go-segment"
	"github.com/getcharzp/go-segment/nanosam"
	"github.com/spf13/cobra"
	"github.com/up-zero/gotool/imageutil"
)

var (
	boxColor        = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	foregroundColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	backgroundColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	textColor       = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

type segmentOptions struct {
	image    string
	points   []string
	box      string
	output   string
	maskPath string
	fontPath string
	alpha    float32
	color    int
}

func newSegmentCommand(global *globalOptions) *cobra.Command {
	opts := &segmentOptions{}

	cmd := &cobra.Command{
		Use:   "segment",
		Short: "根据提示点或框选分割图片",
		Example: `  nanosam segment -i dog.jpg --point 320,240
  nanosam segment -i dog.jpg --box 100,80,420,360 -o dog_mask.jpg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig(cmd)
			if err != nil {
				return err
			}
			return runSegment(cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.image, "image", "i", "", "输入图片路径")
	flags.StringArrayVarP(&opts.points, "point", "p", nil, "提示点 x,y[,label], 可重复; label: 0 背景 1 前景")
	flags.StringVarP(&opts.box, "box", "b", "", "框选 x1,y1,x2,y2")
	flags.StringVarP(&opts.output, "output", "o", "", "叠加结果输出路径, 默认 <image>_overlay.png")
	flags.StringVar(&opts.maskPath, "mask", "", "(可选) 二值 Mask 输出路径")
	flags.StringVar(&opts.fontPath, "font", "", "(可选) 字体文件, 用于绘制得分")
	flags.Float32Var(&opts.alpha, "alpha", segment.DefaultOverlayOptions().Alpha, "叠加颜色占比 0~1")
	flags.IntVar(&opts.color, "color", 0, fmt.Sprintf("Mask 颜色序号 0~%d", len(segment.MaskColors)-1))
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func runSegment(cfg nanosam.Config, opts *segmentOptions) error {
	prompt, box, err := buildPrompt(opts.points, opts.box)
	if err != nil {
		return err
	}
	overlay, err := opts.overlayOptions()
	if err != nil {
		return err
	}
	if len(prompt) == 0 {
		return fmt.Errorf("至少需要一个 --point 或 --box")
	}

	img, err := imageutil.Open(opts.image)
	if err != nil {
		return fmt.Errorf("打开图片失败: %w", err)
	}

	eng, err := nanosam.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Destroy()

	res, err := eng.Predict(img, prompt)
	if err != nil {
		return err
	}
	cfg.Logger.WithField("mask", res.MaskIndex).Infof("分割完成, score: %.4f", res.Score)

	var text *segment.TextDrawer
	if opts.fontPath != "" {
		if text, err = segment.NewTextDrawer(opts.fontPath); err != nil {
			return err
		}
		defer text.Close()
	}

	dst, err := renderOverlay(img, res, prompt, box, overlay, text)
	if err != nil {
		return err
	}

	output := opts.output
	if output == "" {
		ext := filepath.Ext(opts.image)
		output = strings.TrimSuffix(opts.image, ext) + "_overlay.png"
	}
	if err := imageutil.Save(output, dst, 90); err != nil {
		return fmt.Errorf("保存图片失败: %w", err)
	}
	cfg.Logger.Infof("结果已保存到 %s", output)

	if opts.maskPath != "" {
		if err := imageutil.Save(opts.maskPath, res.Gray(), 100); err != nil {
			return fmt.Errorf("保存 Mask 失败: %w", err)
		}
	}
	return nil
}

// overlayOptions 按命令行参数生成叠加参数
func (o *segmentOptions) overlayOptions() (segment.OverlayOptions, error) {
	overlay := segment.DefaultOverlayOptions()
	if o.color < 0 || o.color >= len(segment.MaskColors) {
		return overlay, fmt.Errorf("颜色序号 %d 超出范围 0~%d", o.color, len(segment.MaskColors)-1)
	}
	overlay.Color = segment.MaskColors[o.color]
	overlay.Alpha = o.alpha
	return overlay, nil
}

// renderOverlay 叠加 Mask, 并绘制框选、提示点和得分
func renderOverlay(img image.Image, res *nanosam.Result, prompt []nanosam.Point, box *image.Rectangle,
	opts segment.OverlayOptions, text *segment.TextDrawer) (*image.RGBA, error) {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)

	if err := segment.DrawMask(dst, res.Gray(), opts); err != nil {
		return nil, err
	}

	if box != nil {
		imageutil.DrawThickRectOutline(dst, *box, boxColor, 3)
	}
	for _, pt := range prompt {
		c := foregroundColor
		switch pt.Label {
		case nanosam.LabelBackground:
			c = backgroundColor
		case nanosam.LabelBoxTopLeft, nanosam.LabelBoxBotRight:
			if box != nil {
				continue
			}
		}
		imageutil.DrawFilledCircle(dst, image.Point{X: int(pt.X), Y: int(pt.Y)}, 6, c)
	}

	if text != nil {
		size := max(float64(bounds.Dy())/40, 12)
		if err := text.SetSize(size); err != nil {
			return nil, err
		}
		text.DrawText(dst, fmt.Sprintf("score: %.3f", res.Score), 10, int(size)+10, textColor)
	}
	return dst, nil
}
