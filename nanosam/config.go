package nanosam

import (
	"errors"
	"fmt"
	"os"

	segment "github.com/getcharzp/go-segment"
	"github.com/getcharzp/go-segment/engine"
	"github.com/sirupsen/logrus"
	"github.com/up-zero/gotool/convertutil"
	"gopkg.in/yaml.v3"
)

type Label int

const (
	LabelBackground  Label = 0 // 背景/排除
	LabelForeground  Label = 1 // 前景/点击
	LabelBoxTopLeft  Label = 2 // 框选左上
	LabelBoxBotRight Label = 3 // 框选右下
)

// 均值和方差常量
const (
	MeanR = 0.485
	MeanG = 0.456
	MeanB = 0.406

	StdR = 0.229
	StdG = 0.224
	StdB = 0.225
)

// 模型参数
const (
	// InputSize 编码器输入的边长
	InputSize = 1024
	// HiddenDim 解码器 Mask 的边长, 也是特征通道数
	HiddenDim = 256
	// FeatureWidth, FeatureHeight 图片特征尺寸
	FeatureWidth  = 64
	FeatureHeight = 64
	// NumMasks 解码器输出的 Mask 数量
	NumMasks = 4
	// MaxPrompts 单次推理允许的最多提示点数
	MaxPrompts = 10
)

// 绑定名
const (
	bindImage         = "image"
	bindEmbeddings    = "image_embeddings"
	bindPointCoords   = "point_coords"
	bindPointLabels   = "point_labels"
	bindMaskInput     = "mask_input"
	bindHasMaskInput  = "has_mask_input"
	bindIouPrediction = "iou_predictions"
	bindLowResMasks   = "low_res_masks"
)

var ErrTooManyPrompts = errors.New("提示点数量超出上限")

type Point struct {
	X, Y  float32
	Label Label
}

// Config 配置项
type Config struct {
	// 必填参数
	OnnxRuntimeLibPath string `yaml:"onnx_runtime_lib_path"` // onnxruntime.dll (或 .so, .dylib) 的路径
	EncoderModelPath   string `yaml:"encoder_model_path"`    // 图片特征提取模型, .onnx 或预编译引擎
	DecoderModelPath   string `yaml:"decoder_model_path"`    // Mask解码模型, .onnx 或预编译引擎

	// 可选参数
	UseCuda        bool   `yaml:"use_cuda"`         // (可选) 是否启用 CUDA
	UseTensorRT    bool   `yaml:"use_tensorrt"`     // (可选) 是否启用 TensorRT
	DeviceID       int    `yaml:"device_id"`        // (可选) GPU 设备号
	NumThreads     int    `yaml:"num_threads"`      // (可选) ONNX 线程数, 默认由CPU核心数决定
	EngineCacheDir string `yaml:"engine_cache_dir"` // (可选) TensorRT 引擎缓存目录
	EncoderFP16    bool   `yaml:"encoder_fp16"`     // (可选) 编码器使用半精度, 默认开启
	DecoderFP16    bool   `yaml:"decoder_fp16"`     // (可选) 解码器使用半精度
	SelectBestMask bool   `yaml:"select_best_mask"` // (可选) 选择 IoU 最高的 Mask, 默认使用第一个

	Logger logrus.FieldLogger `yaml:"-"` // (可选) 日志, 默认使用 logrus 标准日志
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		OnnxRuntimeLibPath: segment.DefaultLibraryPath(),
		EncoderModelPath:   "./nanosam_weights/resnet18_image_encoder.onnx",
		DecoderModelPath:   "./nanosam_weights/mobile_sam_mask_decoder.onnx",
		EncoderFP16:        true,
	}
}

// LoadConfig 读取 YAML 配置文件, 未设置的字段使用默认值
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// OnnxConfig 转换为 ONNX Runtime 配置
func (c Config) OnnxConfig() (segment.OnnxConfig, error) {
	var onnxConfig segment.OnnxConfig
	if err := convertutil.CopyProperties(c, &onnxConfig); err != nil {
		return onnxConfig, fmt.Errorf("复制参数失败: %w", err)
	}
	if c.UseTensorRT && c.EngineCacheDir != "" {
		onnxConfig.TensorRTOptions = engine.EngineCacheOptions(c.EngineCacheDir)
	}
	return onnxConfig, nil
}
