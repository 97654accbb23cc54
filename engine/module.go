package engine

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Module 持有一个引擎及其全部资源
//
// 同一时间只允许一个推理调用, Module 不是并发安全的
type Module struct {
	runtime  Runtime
	engine   Engine
	context  Context
	stream   Stream
	buffers  *BufferManager
	bindings []*Binding
	profiles map[string]Profile
	log      logrus.FieldLogger

	// applied 最近一次通知上下文的动态维度
	applied   map[string]Dims
	destroyed bool
}

// Bindings 按绑定序号返回绑定描述的副本
func (m *Module) Bindings() []Binding {
	out := make([]Binding, len(m.bindings))
	for i, b := range m.bindings {
		out[i] = *b
		out[i].Dims = b.Dims.Clone()
	}
	return out
}

// Buffers 返回缓冲区管理器
func (m *Module) Buffers() *BufferManager {
	return m.buffers
}

// Resize 调整动态绑定的维度, 会检查优化配置范围
func (m *Module) Resize(name string, dims Dims) error {
	if m.destroyed {
		return ErrDestroyed
	}
	if p, ok := m.profiles[name]; ok && !p.Contains(dims) {
		return fmt.Errorf("%w: %s 维度 %s 不在 [%s, %s] 内", ErrOutOfProfile, name, dims, p.Min, p.Max)
	}
	b, err := m.buffers.Binding(name)
	if err != nil {
		return err
	}
	if b.Dims.Equal(dims) {
		return nil
	}
	return m.buffers.Resize(name, dims)
}

// WriteInput 写入输入绑定的主机缓冲区
func (m *Module) WriteInput(name string, data []float32) error {
	if m.destroyed {
		return ErrDestroyed
	}
	return m.buffers.WriteHost(name, data)
}

// ReadOutput 读取输出绑定的主机缓冲区
func (m *Module) ReadOutput(name string, dst []float32) error {
	if m.destroyed {
		return ErrDestroyed
	}
	return m.buffers.ReadHost(name, dst)
}

// Infer 同步执行一次推理: 输入复制到设备 -> 执行 -> 输出复制回主机
//
// 返回的错误包含 ErrInference 时缓冲区仍然有效, 调用方可以修正输入后重试
func (m *Module) Infer() error {
	if m.destroyed {
		return ErrDestroyed
	}

	if m.dimsChanged() {
		if err := m.applyDims(); err != nil {
			return fmt.Errorf("%w: %w", ErrInference, err)
		}
	}

	if err := m.buffers.CopyHostToDevice(m.stream); err != nil {
		return fmt.Errorf("%w: %w", ErrInference, err)
	}
	if err := m.stream.Synchronize(); err != nil {
		return fmt.Errorf("%w: 同步执行流失败: %w", ErrInference, err)
	}

	if err := m.context.Execute(m.buffers.deviceBuffers()); err != nil {
		m.log.WithError(err).Warn("引擎执行失败")
		return fmt.Errorf("%w: %w", ErrInference, err)
	}

	if err := m.buffers.CopyDeviceToHost(m.stream); err != nil {
		return fmt.Errorf("%w: %w", ErrInference, err)
	}
	if err := m.stream.Synchronize(); err != nil {
		return fmt.Errorf("%w: 同步执行流失败: %w", ErrInference, err)
	}
	return nil
}

// dimsChanged 动态输入的维度是否与上次执行时不同
func (m *Module) dimsChanged() bool {
	for _, b := range m.bindings {
		if !b.Dynamic || !b.IsInput {
			continue
		}
		if d, ok := m.applied[b.Name]; !ok || !d.Equal(b.Dims) {
			return true
		}
	}
	return false
}

// applyDims 选择优化配置并设置全部动态绑定的维度
func (m *Module) applyDims() error {
	if err := m.context.SetOptimizationProfile(0, m.stream); err != nil {
		return fmt.Errorf("选择优化配置失败: %w", err)
	}
	for _, b := range m.bindings {
		if !b.Dynamic || !b.IsInput {
			continue
		}
		if err := m.context.SetBindingDims(b.Name, b.Dims); err != nil {
			return fmt.Errorf("设置 %s 维度失败: %w", b.Name, err)
		}
		m.applied[b.Name] = b.Dims.Clone()
		m.log.WithField("binding", b.Name).Debugf("设置动态维度 %s", b.Dims)
	}
	return nil
}

// Destroy 按 设备内存 -> 执行流 -> 上下文 -> 引擎 -> 运行时 的顺序释放资源
func (m *Module) Destroy() error {
	if m.destroyed {
		return nil
	}
	m.destroyed = true

	var errs []error
	if m.buffers != nil {
		errs = append(errs, m.buffers.Free())
		m.buffers = nil
	}
	if m.stream != nil {
		if err := m.stream.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("销毁执行流失败: %w", err))
		}
		m.stream = nil
	}
	if m.context != nil {
		if err := m.context.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("销毁执行上下文失败: %w", err))
		}
		m.context = nil
	}
	if m.engine != nil {
		if err := m.engine.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("销毁引擎失败: %w", err))
		}
		m.engine = nil
	}
	if m.runtime != nil {
		if err := m.runtime.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("销毁运行时失败: %w", err))
		}
		m.runtime = nil
	}
	return errors.Join(errs...)
}
