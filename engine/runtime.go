package engine

import "errors"

var (
	// ErrLoad 引擎构建失败, 调用方应视为致命错误
	ErrLoad = errors.New("加载推理引擎失败")
	// ErrInference 单次推理失败, 缓冲区保持可用, 可修正输入后重试
	ErrInference = errors.New("推理失败")

	ErrBindingNotFound = errors.New("绑定不存在")
	ErrNotDynamic      = errors.New("绑定不是动态维度")
	ErrSizeMismatch    = errors.New("缓冲区大小不一致")
	ErrOutOfProfile    = errors.New("维度超出优化配置范围")
	ErrDestroyed       = errors.New("模块已销毁")
)

// BuildOptions 构建引擎时的参数
type BuildOptions struct {
	FP16     bool      // 是否启用半精度
	Profiles []Profile // 动态维度的优化配置, 为空表示全部静态
}

// Runtime 推理引擎库
//
// 实现方负责模型的编译/反序列化、设备内存分配以及执行流
type Runtime interface {
	// BuildEngine 从 ONNX 模型描述编译引擎
	BuildEngine(modelPath string, opts BuildOptions) (Engine, error)
	// DeserializeEngine 从预编译的引擎数据创建引擎, 数据内容不做解析
	DeserializeEngine(blob []byte, opts BuildOptions) (Engine, error)
	// Malloc 按维度分配设备内存, 维度必须全部确定
	Malloc(dims Dims) (DeviceBuffer, error)
	// NewStream 创建执行流
	NewStream() (Stream, error)
	Destroy() error
}

// Engine 已编译的可执行图
type Engine interface {
	// Bindings 按绑定序号返回全部输入输出
	Bindings() []TensorInfo
	CreateContext() (Context, error)
	Destroy() error
}

// Context 执行上下文
type Context interface {
	// SetOptimizationProfile 选择动态维度的优化配置
	SetOptimizationProfile(index int, stream Stream) error
	// SetBindingDims 设置动态绑定本次执行的维度
	SetBindingDims(name string, dims Dims) error
	// Execute 使用当前设备缓冲区同步执行, buffers 以绑定名为键
	Execute(buffers map[string]DeviceBuffer) error
	Destroy() error
}

// DeviceBuffer 设备内存
type DeviceBuffer interface {
	Dims() Dims
	ByteSize() int64
	Free() error
}

// Stream 执行流, 同一个流上的操作按提交顺序执行
type Stream interface {
	CopyHostToDevice(dst DeviceBuffer, src []float32) error
	CopyDeviceToHost(dst []float32, src DeviceBuffer) error
	Synchronize() error
	Destroy() error
}
