package engine

import (
	"errors"
	"fmt"
)

// bufferPair 单个绑定的主机/设备缓冲区, 两者始终一起调整大小
type bufferPair struct {
	binding *Binding
	host    []float32
	device  DeviceBuffer
}

// check 复制前的不变量: 主机字节数 == 设备字节数 == 绑定字节数
func (p *bufferPair) check() error {
	hostBytes := int64(len(p.host)) * ElementSize
	if p.device == nil {
		return fmt.Errorf("%w: %s 未分配设备内存", ErrSizeMismatch, p.binding.Name)
	}
	if hostBytes != p.binding.ByteSize || p.device.ByteSize() != p.binding.ByteSize {
		return fmt.Errorf("%w: %s host=%d device=%d binding=%d", ErrSizeMismatch,
			p.binding.Name, hostBytes, p.device.ByteSize(), p.binding.ByteSize)
	}
	return nil
}

// BufferManager 管理一个引擎全部绑定的主机/设备缓冲区
type BufferManager struct {
	runtime  Runtime
	bindings []*Binding
	pairs    map[string]*bufferPair
}

// NewBufferManager 为每个绑定分配主机与设备缓冲区, 失败时释放已分配的部分
func NewBufferManager(rt Runtime, bindings []*Binding) (*BufferManager, error) {
	m := &BufferManager{
		runtime:  rt,
		bindings: bindings,
		pairs:    make(map[string]*bufferPair, len(bindings)),
	}
	for _, b := range bindings {
		device, err := rt.Malloc(b.Dims)
		if err != nil {
			_ = m.Free()
			return nil, fmt.Errorf("分配 %s 设备内存失败: %w", b.Name, err)
		}
		m.pairs[b.Name] = &bufferPair{
			binding: b,
			host:    make([]float32, b.ElementCount),
			device:  device,
		}
	}
	return m, nil
}

func (m *BufferManager) pair(name string) (*bufferPair, error) {
	p, ok := m.pairs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBindingNotFound, name)
	}
	return p, nil
}

// Binding 返回绑定描述的副本
func (m *BufferManager) Binding(name string) (Binding, error) {
	p, err := m.pair(name)
	if err != nil {
		return Binding{}, err
	}
	b := *p.binding
	b.Dims = b.Dims.Clone()
	return b, nil
}

// Resize 重新分配动态绑定的主机与设备缓冲区, 原有内容被丢弃
func (m *BufferManager) Resize(name string, dims Dims) error {
	p, err := m.pair(name)
	if err != nil {
		return err
	}
	b := p.binding
	if !b.Dynamic {
		return fmt.Errorf("%w: %s", ErrNotDynamic, name)
	}
	if !b.Declared.Matches(dims) {
		return fmt.Errorf("%w: %s 期望 %s, 实际 %s", ErrSizeMismatch, name, b.Declared, dims)
	}

	// 先分配新的设备内存, 失败时原缓冲区保持不变
	device, err := m.runtime.Malloc(dims)
	if err != nil {
		return fmt.Errorf("重新分配 %s 设备内存失败: %w", name, err)
	}
	var freeErr error
	if p.device != nil {
		freeErr = p.device.Free()
	}
	p.device = device
	b.setDims(dims)
	p.host = make([]float32, b.ElementCount)
	if freeErr != nil {
		return fmt.Errorf("释放 %s 旧设备内存失败: %w", name, freeErr)
	}
	return nil
}

// WriteHost 写入主机缓冲区, 长度必须与绑定元素个数一致
func (m *BufferManager) WriteHost(name string, data []float32) error {
	p, err := m.pair(name)
	if err != nil {
		return err
	}
	if int64(len(data)) != p.binding.ElementCount {
		return fmt.Errorf("%w: 写入 %s 需要 %d 个元素, 实际 %d", ErrSizeMismatch, name, p.binding.ElementCount, len(data))
	}
	copy(p.host, data)
	return nil
}

// ReadHost 读取主机缓冲区, dst 长度必须与绑定元素个数一致
func (m *BufferManager) ReadHost(name string, dst []float32) error {
	p, err := m.pair(name)
	if err != nil {
		return err
	}
	if int64(len(dst)) != p.binding.ElementCount {
		return fmt.Errorf("%w: 读取 %s 需要 %d 个元素, 实际 %d", ErrSizeMismatch, name, p.binding.ElementCount, len(dst))
	}
	copy(dst, p.host)
	return nil
}

// CopyHostToDevice 在 stream 上复制全部输入绑定
func (m *BufferManager) CopyHostToDevice(stream Stream) error {
	return m.copy(stream, true)
}

// CopyDeviceToHost 在 stream 上复制全部输出绑定
func (m *BufferManager) CopyDeviceToHost(stream Stream) error {
	return m.copy(stream, false)
}

func (m *BufferManager) copy(stream Stream, input bool) error {
	for _, b := range m.bindings {
		if b.IsInput != input {
			continue
		}
		p := m.pairs[b.Name]
		if err := p.check(); err != nil {
			return err
		}
		if input {
			if err := stream.CopyHostToDevice(p.device, p.host); err != nil {
				return fmt.Errorf("复制 %s 到设备失败: %w", b.Name, err)
			}
		} else {
			if err := stream.CopyDeviceToHost(p.host, p.device); err != nil {
				return fmt.Errorf("复制 %s 到主机失败: %w", b.Name, err)
			}
		}
	}
	return nil
}

// deviceBuffers 以绑定名为键的设备缓冲区, 用于执行
func (m *BufferManager) deviceBuffers() map[string]DeviceBuffer {
	out := make(map[string]DeviceBuffer, len(m.pairs))
	for name, p := range m.pairs {
		out[name] = p.device
	}
	return out
}

// Free 按绑定序号释放全部设备内存
func (m *BufferManager) Free() error {
	var errs []error
	for _, b := range m.bindings {
		p, ok := m.pairs[b.Name]
		if !ok || p.device == nil {
			continue
		}
		if err := p.device.Free(); err != nil {
			errs = append(errs, fmt.Errorf("释放 %s 设备内存失败: %w", b.Name, err))
		}
		p.device = nil
		p.host = nil
	}
	return errors.Join(errs...)
}
