package engine

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	segment "github.com/getcharzp/go-segment"
	ort "github.com/yalue/onnxruntime_go"
)

// OnnxRuntime 基于 ONNX Runtime 的推理引擎库实现
//
// 设备内存对应 ONNX Runtime 的张量, 执行上下文对应一个会话.
// 启用 TensorRT 时, 精度与动态维度配置通过执行提供者参数传递
type OnnxRuntime struct {
	config segment.OnnxConfig
}

// NewOnnxRuntime 创建运行时, cfg 的会话选项在构建引擎时才创建
func NewOnnxRuntime(cfg segment.OnnxConfig) *OnnxRuntime {
	cfg.SessionOptions = nil
	return &OnnxRuntime{config: cfg}
}

// EngineCacheOptions 返回 TensorRT 引擎缓存参数, 编译结果会保存到 dir 下
func EngineCacheOptions(dir string) map[string]string {
	return map[string]string{
		"trt_engine_cache_enable": "1",
		"trt_engine_cache_path":   dir,
	}
}

// profileShapes 转换为 TensorRT 执行提供者的形状参数, 例如 point_coords:1x1x2,point_labels:1x1
func profileShapes(profiles []Profile) (minShapes, optShapes, maxShapes string) {
	var mins, opts, maxs []string
	for _, p := range profiles {
		mins = append(mins, p.Name+":"+p.Min.String())
		opts = append(opts, p.Name+":"+p.Opt.String())
		maxs = append(maxs, p.Name+":"+p.Max.String())
	}
	return strings.Join(mins, ","), strings.Join(opts, ","), strings.Join(maxs, ",")
}

func (r *OnnxRuntime) sessionConfig(opts BuildOptions) *segment.OnnxConfig {
	cfg := r.config
	cfg.TensorRTOptions = make(map[string]string, len(r.config.TensorRTOptions)+4)
	for k, v := range r.config.TensorRTOptions {
		cfg.TensorRTOptions[k] = v
	}
	if opts.FP16 {
		cfg.TensorRTOptions["trt_fp16_enable"] = "1"
	}
	if len(opts.Profiles) > 0 {
		minShapes, optShapes, maxShapes := profileShapes(opts.Profiles)
		cfg.TensorRTOptions["trt_profile_min_shapes"] = minShapes
		cfg.TensorRTOptions["trt_profile_opt_shapes"] = optShapes
		cfg.TensorRTOptions["trt_profile_max_shapes"] = maxShapes
	}
	return &cfg
}

// BuildEngine 读取 ONNX 模型描述并创建引擎
func (r *OnnxRuntime) BuildEngine(modelPath string, opts BuildOptions) (Engine, error) {
	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("读取 ONNX 模型失败: %w", err)
	}
	return r.newEngine(data, opts)
}

// DeserializeEngine 使用预编译的模型数据 (如 .ort 格式) 创建引擎
func (r *OnnxRuntime) DeserializeEngine(blob []byte, opts BuildOptions) (Engine, error) {
	if len(blob) == 0 {
		return nil, errors.New("引擎数据为空")
	}
	return r.newEngine(blob, opts)
}

func (r *OnnxRuntime) newEngine(data []byte, opts BuildOptions) (Engine, error) {
	cfg := r.sessionConfig(opts)
	if err := cfg.New(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		cfg.Destroy()
		return nil, fmt.Errorf("解析模型输入输出失败: %w", err)
	}

	infos := make([]TensorInfo, 0, len(inputs)+len(outputs))
	for _, list := range []struct {
		items []ort.InputOutputInfo
		input bool
	}{{inputs, true}, {outputs, false}} {
		for _, info := range list.items {
			if info.OrtValueType != ort.ONNXTypeTensor {
				cfg.Destroy()
				return nil, fmt.Errorf("%s 不是张量类型", info.Name)
			}
			if info.DataType != ort.TensorElementDataTypeFloat {
				cfg.Destroy()
				return nil, fmt.Errorf("%s 的数据类型为 %v, 仅支持 float32", info.Name, info.DataType)
			}
			infos = append(infos, TensorInfo{
				Name:    info.Name,
				Dims:    Dims(info.Dimensions.Clone()),
				IsInput: list.input,
			})
		}
	}

	return &onnxEngine{data: data, config: cfg, infos: infos}, nil
}

// Malloc 创建指定维度的 float32 张量
func (r *OnnxRuntime) Malloc(dims Dims) (DeviceBuffer, error) {
	if dims.IsDynamic() {
		return nil, fmt.Errorf("无法为动态维度 %s 分配内存", dims)
	}
	tensor, err := ort.NewEmptyTensor[float32](ort.NewShape(dims...))
	if err != nil {
		return nil, fmt.Errorf("创建张量失败: %w", err)
	}
	return &onnxBuffer{tensor: tensor, dims: dims.Clone()}, nil
}

// NewStream ONNX Runtime 的会话执行是同步的, 流只保证提交顺序
func (r *OnnxRuntime) NewStream() (Stream, error) {
	return onnxStream{}, nil
}

// Destroy 环境在进程内共享, 运行时本身没有需要释放的资源
func (r *OnnxRuntime) Destroy() error {
	return nil
}

type onnxEngine struct {
	data   []byte
	config *segment.OnnxConfig
	infos  []TensorInfo
}

func (e *onnxEngine) Bindings() []TensorInfo {
	out := make([]TensorInfo, len(e.infos))
	for i, info := range e.infos {
		out[i] = info
		out[i].Dims = info.Dims.Clone()
	}
	return out
}

func (e *onnxEngine) CreateContext() (Context, error) {
	var inputNames, outputNames []string
	for _, info := range e.infos {
		if info.IsInput {
			inputNames = append(inputNames, info.Name)
		} else {
			outputNames = append(outputNames, info.Name)
		}
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(e.data, inputNames, outputNames, e.config.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("创建 ONNX 会话失败: %w", err)
	}
	return &onnxContext{
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
		dims:        make(map[string]Dims),
	}, nil
}

func (e *onnxEngine) Destroy() error {
	e.data = nil
	return e.config.Destroy()
}

type onnxContext struct {
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
	dims        map[string]Dims
}

// SetOptimizationProfile 构建时只注册一个优化配置
func (c *onnxContext) SetOptimizationProfile(index int, _ Stream) error {
	if index != 0 {
		return fmt.Errorf("优化配置 %d 不存在", index)
	}
	return nil
}

func (c *onnxContext) SetBindingDims(name string, dims Dims) error {
	c.dims[name] = dims.Clone()
	return nil
}

func (c *onnxContext) Execute(buffers map[string]DeviceBuffer) error {
	values := func(names []string) ([]ort.Value, error) {
		out := make([]ort.Value, len(names))
		for i, name := range names {
			buf, ok := buffers[name].(*onnxBuffer)
			if !ok || buf == nil {
				return nil, fmt.Errorf("%w: %s", ErrBindingNotFound, name)
			}
			if d, ok := c.dims[name]; ok && !d.Equal(buf.dims) {
				return nil, fmt.Errorf("%s 的维度 %s 与设置的 %s 不一致", name, buf.dims, d)
			}
			out[i] = buf.tensor
		}
		return out, nil
	}

	inputs, err := values(c.inputNames)
	if err != nil {
		return err
	}
	outputs, err := values(c.outputNames)
	if err != nil {
		return err
	}
	return c.session.Run(inputs, outputs)
}

func (c *onnxContext) Destroy() error {
	return c.session.Destroy()
}

type onnxBuffer struct {
	tensor *ort.Tensor[float32]
	dims   Dims
}

func (b *onnxBuffer) Dims() Dims {
	return b.dims
}

func (b *onnxBuffer) ByteSize() int64 {
	return b.dims.ElementCount(1) * ElementSize
}

func (b *onnxBuffer) Free() error {
	return b.tensor.Destroy()
}

type onnxStream struct{}

func (onnxStream) CopyHostToDevice(dst DeviceBuffer, src []float32) error {
	buf, ok := dst.(*onnxBuffer)
	if !ok {
		return errors.New("不是 ONNX Runtime 张量")
	}
	data := buf.tensor.GetData()
	if len(data) != len(src) {
		return fmt.Errorf("%w: 设备 %d, 主机 %d", ErrSizeMismatch, len(data), len(src))
	}
	copy(data, src)
	return nil
}

func (onnxStream) CopyDeviceToHost(dst []float32, src DeviceBuffer) error {
	buf, ok := src.(*onnxBuffer)
	if !ok {
		return errors.New("不是 ONNX Runtime 张量")
	}
	data := buf.tensor.GetData()
	if len(data) != len(dst) {
		return fmt.Errorf("%w: 设备 %d, 主机 %d", ErrSizeMismatch, len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

func (onnxStream) Synchronize() error { return nil }

func (onnxStream) Destroy() error { return nil }

// DescribeDevice 输出执行提供者描述, 用于日志
func DescribeDevice(cfg segment.OnnxConfig) string {
	switch {
	case cfg.UseTensorRT:
		return "tensorrt:" + strconv.Itoa(cfg.DeviceID)
	case cfg.UseCuda:
		return "cuda:" + strconv.Itoa(cfg.DeviceID)
	default:
		return "cpu"
	}
}
