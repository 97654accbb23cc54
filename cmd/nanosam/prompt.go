package main

import (
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/getcharzp/go-segment/nanosam"
)

// parsePoint 解析 x,y 或 x,y,label, 默认为前景点
func parsePoint(s string) (nanosam.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 && len(parts) != 3 {
		return nanosam.Point{}, fmt.Errorf("提示点格式应为 x,y[,label]: %q", s)
	}
	vals, err := parseFloats(parts[:2])
	if err != nil {
		return nanosam.Point{}, fmt.Errorf("解析提示点 %q 失败: %w", s, err)
	}
	pt := nanosam.Point{X: vals[0], Y: vals[1], Label: nanosam.LabelForeground}
	if len(parts) == 3 {
		label, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nanosam.Point{}, fmt.Errorf("解析提示点 %q 的标签失败: %w", s, err)
		}
		if label < int(nanosam.LabelBackground) || label > int(nanosam.LabelBoxBotRight) {
			return nanosam.Point{}, fmt.Errorf("提示点 %q 的标签 %d 无效", s, label)
		}
		pt.Label = nanosam.Label(label)
	}
	return pt, nil
}

// parseBox 解析 x1,y1,x2,y2, 转换为左上和右下两个提示点
func parseBox(s string) ([]nanosam.Point, image.Rectangle, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, image.Rectangle{}, fmt.Errorf("框选格式应为 x1,y1,x2,y2: %q", s)
	}
	vals, err := parseFloats(parts)
	if err != nil {
		return nil, image.Rectangle{}, fmt.Errorf("解析框选 %q 失败: %w", s, err)
	}
	x1, y1 := min(vals[0], vals[2]), min(vals[1], vals[3])
	x2, y2 := max(vals[0], vals[2]), max(vals[1], vals[3])
	points := []nanosam.Point{
		{X: x1, Y: y1, Label: nanosam.LabelBoxTopLeft},
		{X: x2, Y: y2, Label: nanosam.LabelBoxBotRight},
	}
	return points, image.Rect(int(x1), int(y1), int(x2), int(y2)), nil
}

func parseFloats(parts []string) ([]float32, error) {
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, fmt.Errorf("坐标不能为负数: %v", v)
		}
		out[i] = float32(v)
	}
	return out, nil
}

// buildPrompt 合并命令行中的提示点和框选
func buildPrompt(points []string, box string) ([]nanosam.Point, *image.Rectangle, error) {
	var prompt []nanosam.Point
	for _, s := range points {
		pt, err := parsePoint(s)
		if err != nil {
			return nil, nil, err
		}
		prompt = append(prompt, pt)
	}

	var rect *image.Rectangle
	if box != "" {
		boxPoints, r, err := parseBox(box)
		if err != nil {
			return nil, nil, err
		}
		prompt = append(prompt, boxPoints...)
		rect = &r
	}

	if len(prompt) > nanosam.MaxPrompts {
		return nil, nil, fmt.Errorf("%w: %d", nanosam.ErrTooManyPrompts, len(prompt))
	}
	return prompt, rect, nil
}
