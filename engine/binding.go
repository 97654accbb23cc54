package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

// ElementSize 所有绑定均为 float32
const ElementSize = 4

// Dims 张量维度, -1 表示动态维度
type Dims []int64

// IsDynamic 是否包含动态维度
func (d Dims) IsDynamic() bool {
	for _, v := range d {
		if v < 0 {
			return true
		}
	}
	return false
}

// ElementCount 元素个数, 动态维度使用 unbound 代替
func (d Dims) ElementCount(unbound int64) int64 {
	n := int64(1)
	for _, v := range d {
		if v < 0 {
			n *= unbound
		} else {
			n *= v
		}
	}
	return n
}

// Resolve 将动态维度替换为 unbound
func (d Dims) Resolve(unbound int64) Dims {
	out := make(Dims, len(d))
	for i, v := range d {
		if v < 0 {
			out[i] = unbound
		} else {
			out[i] = v
		}
	}
	return out
}

// Equal 维度是否完全一致
func (d Dims) Equal(o Dims) bool {
	if len(d) != len(o) {
		return false
	}
	for i := range d {
		if d[i] != o[i] {
			return false
		}
	}
	return true
}

// Matches 判断具体维度 c 是否满足模板 d (动态维度可取任意正数)
func (d Dims) Matches(c Dims) bool {
	if len(d) != len(c) {
		return false
	}
	for i := range d {
		if c[i] <= 0 {
			return false
		}
		if d[i] >= 0 && d[i] != c[i] {
			return false
		}
	}
	return true
}

// String 以 1x10x2 的形式输出
func (d Dims) String() string {
	parts := make([]string, len(d))
	for i, v := range d {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, "x")
}

// Clone 复制维度
func (d Dims) Clone() Dims {
	return append(Dims(nil), d...)
}

// TensorInfo 引擎报告的张量信息, 按绑定序号排列
type TensorInfo struct {
	Name    string
	Dims    Dims // 模型声明的维度, 动态维度为 -1
	IsInput bool
}

// Binding 绑定描述
type Binding struct {
	Name         string
	Index        int
	Dims         Dims // 当前维度, 对动态绑定而言是最近一次设置的维度
	Declared     Dims // 模型声明的维度
	IsInput      bool
	Dynamic      bool
	ElementCount int64
	ByteSize     int64
}

func newBinding(index int, info TensorInfo, unbound int64) *Binding {
	dims := info.Dims.Resolve(unbound)
	count := dims.ElementCount(1)
	return &Binding{
		Name:         info.Name,
		Index:        index,
		Dims:         dims,
		Declared:     info.Dims.Clone(),
		IsInput:      info.IsInput,
		Dynamic:      info.Dims.IsDynamic(),
		ElementCount: count,
		ByteSize:     count * ElementSize,
	}
}

func (b *Binding) setDims(dims Dims) {
	b.Dims = dims.Clone()
	b.ElementCount = dims.ElementCount(1)
	b.ByteSize = b.ElementCount * ElementSize
}

// String 输出绑定摘要, 用于日志
func (b Binding) String() string {
	dir, kind := "output", "static"
	if b.IsInput {
		dir = "input"
	}
	if b.Dynamic {
		kind = "dynamic"
	}
	return fmt.Sprintf("#%d %s [%s] %s dims=%s size=%s", b.Index, b.Name, dir, kind, b.Dims, units.BytesSize(float64(b.ByteSize)))
}

// Profile 动态维度的优化配置
type Profile struct {
	Name string
	Min  Dims
	Opt  Dims
	Max  Dims
}

// Contains 判断维度是否位于配置范围内
func (p Profile) Contains(d Dims) bool {
	if len(d) != len(p.Min) || len(d) != len(p.Max) {
		return false
	}
	for i := range d {
		if d[i] < p.Min[i] || d[i] > p.Max[i] {
			return false
		}
	}
	return true
}

func (p Profile) validate() error {
	if len(p.Min) != len(p.Opt) || len(p.Min) != len(p.Max) {
		return fmt.Errorf("优化配置 %s 的维度数量不一致", p.Name)
	}
	for i := range p.Min {
		if p.Min[i] <= 0 || p.Min[i] > p.Opt[i] || p.Opt[i] > p.Max[i] {
			return fmt.Errorf("优化配置 %s 不满足 min<=opt<=max: %s/%s/%s", p.Name, p.Min, p.Opt, p.Max)
		}
	}
	return nil
}
