// Package enginetest 提供内存中的推理引擎库实现, 用于测试
package enginetest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/getcharzp/go-segment/engine"
)

// ExecFunc 模拟图执行, inputs/outputs 以绑定名为键, outputs 直接指向设备内存
type ExecFunc func(inputs map[string][]float32, dims map[string]engine.Dims, outputs map[string][]float32) error

// Model 模拟的模型
type Model struct {
	Bindings []engine.TensorInfo
	Exec     ExecFunc
}

// Runtime 模拟的推理引擎库, 记录全部调用事件
type Runtime struct {
	Model *Model

	// 注入的错误
	BuildErr       error
	DeserializeErr error
	ContextErr     error
	StreamErr      error
	// MallocFailAt 第 n 次 (从 1 开始) 分配内存时失败, 0 表示不失败
	MallocFailAt int

	mu         sync.Mutex
	events     []string
	mallocs    int
	live       int
	lastBuild  *engine.BuildOptions
	lastBlob   []byte
	lastExec   map[string]*Buffer
	executions int
}

// NewRuntime 创建模拟运行时
func NewRuntime(model *Model) *Runtime {
	return &Runtime{Model: model}
}

func (r *Runtime) record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// Events 返回调用事件
func (r *Runtime) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// ResetEvents 清空调用事件
func (r *Runtime) ResetEvents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// LiveBuffers 尚未释放的设备内存数量
func (r *Runtime) LiveBuffers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Executions 执行次数
func (r *Runtime) Executions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executions
}

// LastBuildOptions 最近一次构建/反序列化的参数
func (r *Runtime) LastBuildOptions() *engine.BuildOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastBuild
}

// LastBuffers 最近一次执行时绑定的设备内存
func (r *Runtime) LastBuffers() map[string]*Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastExec
}

// LastBlob 最近一次反序列化的数据
func (r *Runtime) LastBlob() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastBlob
}

func (r *Runtime) BuildEngine(modelPath string, opts engine.BuildOptions) (engine.Engine, error) {
	r.record("build %s", modelPath)
	r.mu.Lock()
	r.lastBuild = &opts
	r.mu.Unlock()
	if r.BuildErr != nil {
		return nil, r.BuildErr
	}
	return &Engine{runtime: r}, nil
}

func (r *Runtime) DeserializeEngine(blob []byte, opts engine.BuildOptions) (engine.Engine, error) {
	r.record("deserialize %d", len(blob))
	r.mu.Lock()
	r.lastBuild = &opts
	r.lastBlob = append([]byte(nil), blob...)
	r.mu.Unlock()
	if r.DeserializeErr != nil {
		return nil, r.DeserializeErr
	}
	return &Engine{runtime: r}, nil
}

func (r *Runtime) Malloc(dims engine.Dims) (engine.DeviceBuffer, error) {
	r.mu.Lock()
	r.mallocs++
	n := r.mallocs
	r.mu.Unlock()
	if r.MallocFailAt > 0 && n == r.MallocFailAt {
		r.record("malloc %s failed", dims)
		return nil, errors.New("out of device memory")
	}
	if dims.IsDynamic() {
		return nil, fmt.Errorf("dynamic dims %s", dims)
	}
	r.record("malloc %s", dims)
	r.mu.Lock()
	r.live++
	r.mu.Unlock()
	return &Buffer{runtime: r, dims: dims.Clone(), data: make([]float32, dims.ElementCount(1))}, nil
}

func (r *Runtime) NewStream() (engine.Stream, error) {
	if r.StreamErr != nil {
		return nil, r.StreamErr
	}
	r.record("stream create")
	return &Stream{runtime: r}, nil
}

func (r *Runtime) Destroy() error {
	r.record("runtime destroy")
	return nil
}

// Engine 模拟的引擎
type Engine struct {
	runtime *Runtime
}

func (e *Engine) Bindings() []engine.TensorInfo {
	out := make([]engine.TensorInfo, len(e.runtime.Model.Bindings))
	for i, b := range e.runtime.Model.Bindings {
		out[i] = b
		out[i].Dims = b.Dims.Clone()
	}
	return out
}

func (e *Engine) CreateContext() (engine.Context, error) {
	if e.runtime.ContextErr != nil {
		return nil, e.runtime.ContextErr
	}
	e.runtime.record("context create")
	return &Context{runtime: e.runtime, dims: make(map[string]engine.Dims)}, nil
}

func (e *Engine) Destroy() error {
	e.runtime.record("engine destroy")
	return nil
}

// Context 模拟的执行上下文, 执行前检查动态维度已经设置
type Context struct {
	runtime *Runtime
	profile int
	dims    map[string]engine.Dims
}

func (c *Context) SetOptimizationProfile(index int, _ engine.Stream) error {
	c.runtime.record("profile %d", index)
	c.profile = index
	return nil
}

func (c *Context) SetBindingDims(name string, dims engine.Dims) error {
	c.runtime.record("dims %s %s", name, dims)
	c.dims[name] = dims.Clone()
	return nil
}

func (c *Context) Execute(buffers map[string]engine.DeviceBuffer) error {
	c.runtime.record("execute")
	bound := make(map[string]*Buffer, len(buffers))
	for name, b := range buffers {
		if buf, ok := b.(*Buffer); ok {
			bound[name] = buf
		}
	}
	c.runtime.mu.Lock()
	c.runtime.executions++
	c.runtime.lastExec = bound
	c.runtime.mu.Unlock()

	inputs := make(map[string][]float32)
	outputs := make(map[string][]float32)
	dims := make(map[string]engine.Dims)
	for _, info := range c.runtime.Model.Bindings {
		buf, ok := buffers[info.Name].(*Buffer)
		if !ok || buf == nil || buf.freed {
			return fmt.Errorf("binding %s has no live buffer", info.Name)
		}
		if info.IsInput && info.Dims.IsDynamic() {
			set, ok := c.dims[info.Name]
			if !ok {
				return fmt.Errorf("binding %s dims not set", info.Name)
			}
			if !set.Equal(buf.dims) {
				return fmt.Errorf("binding %s dims %s, buffer %s", info.Name, set, buf.dims)
			}
		}
		dims[info.Name] = buf.dims.Clone()
		if info.IsInput {
			inputs[info.Name] = append([]float32(nil), buf.data...)
		} else {
			outputs[info.Name] = buf.data
		}
	}
	if c.runtime.Model.Exec == nil {
		return nil
	}
	return c.runtime.Model.Exec(inputs, dims, outputs)
}

func (c *Context) Destroy() error {
	c.runtime.record("context destroy")
	return nil
}

// Buffer 模拟的设备内存
type Buffer struct {
	runtime *Runtime
	dims    engine.Dims
	data    []float32
	freed   bool
}

func (b *Buffer) Dims() engine.Dims { return b.dims }

func (b *Buffer) ByteSize() int64 { return int64(len(b.data)) * engine.ElementSize }

// Data 设备内存内容
func (b *Buffer) Data() []float32 { return b.data }

func (b *Buffer) Free() error {
	if b.freed {
		return errors.New("double free")
	}
	b.freed = true
	b.runtime.record("free %s", b.dims)
	b.runtime.mu.Lock()
	b.runtime.live--
	b.runtime.mu.Unlock()
	return nil
}

// Stream 模拟的执行流
type Stream struct {
	runtime *Runtime
}

func (s *Stream) CopyHostToDevice(dst engine.DeviceBuffer, src []float32) error {
	buf := dst.(*Buffer)
	if buf.freed {
		return errors.New("copy to freed buffer")
	}
	if len(buf.data) != len(src) {
		return fmt.Errorf("size mismatch: device %d host %d", len(buf.data), len(src))
	}
	copy(buf.data, src)
	s.runtime.record("h2d %s", buf.dims)
	return nil
}

func (s *Stream) CopyDeviceToHost(dst []float32, src engine.DeviceBuffer) error {
	buf := src.(*Buffer)
	if buf.freed {
		return errors.New("copy from freed buffer")
	}
	if len(buf.data) != len(dst) {
		return fmt.Errorf("size mismatch: device %d host %d", len(buf.data), len(dst))
	}
	copy(dst, buf.data)
	s.runtime.record("d2h %s", buf.dims)
	return nil
}

func (s *Stream) Synchronize() error {
	s.runtime.record("sync")
	return nil
}

func (s *Stream) Destroy() error {
	s.runtime.record("stream destroy")
	return nil
}
