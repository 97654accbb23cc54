package segment

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

type OnnxConfig struct {
	SessionOptions *ort.SessionOptions

	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	// 可选参数
	UseCuda     bool // (可选) 是否启用 CUDA
	UseTensorRT bool // (可选) 是否启用 TensorRT, 优先于 CUDA
	DeviceID    int  // (可选) GPU 设备号
	NumThreads  int  // (可选) ONNX 线程数, 默认由CPU核心数决定

	// TensorRTOptions 额外的 TensorRT 执行提供者参数, 例如 trt_fp16_enable
	TensorRTOptions map[string]string
}

var (
	initErr error
	once    sync.Once
)

// New 初始化 ONNX 环境并创建会话选项
func (cfg *OnnxConfig) New() error {
	// 初始化 ONNX Runtime
	if cfg.OnnxRuntimeLibPath == "" {
		return fmt.Errorf("OnnxRuntimeLibPath 不能为空")
	}
	once.Do(func() {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLibPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return fmt.Errorf("初始化 ONNX Runtime 环境失败: %w", initErr)
	}

	// 创建会话选项 (设置线程)
	options, err := ort.NewSessionOptions()
	if err != nil {
		return err
	}
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			options.Destroy()
			return err
		}
	}

	// 启用 TensorRT
	if cfg.UseTensorRT {
		if err := cfg.appendTensorRT(options); err != nil {
			options.Destroy()
			return err
		}
	}

	// 启用CUDA, 与 TensorRT 同时开启时作为回退
	if cfg.UseCuda {
		if err := cfg.appendCuda(options); err != nil {
			options.Destroy()
			return err
		}
	}
	cfg.SessionOptions = options

	return nil
}

func (cfg *OnnxConfig) appendTensorRT(options *ort.SessionOptions) error {
	trtOptions, err := ort.NewTensorRTProviderOptions()
	if err != nil {
		return fmt.Errorf("创建 TensorRTProviderOptions 失败: %w", err)
	}
	defer trtOptions.Destroy()

	values := map[string]string{"device_id": strconv.Itoa(cfg.DeviceID)}
	for k, v := range cfg.TensorRTOptions {
		values[k] = v
	}
	if err := trtOptions.Update(values); err != nil {
		return fmt.Errorf("设置 TensorRT 参数失败: %w", err)
	}
	if err := options.AppendExecutionProviderTensorRT(trtOptions); err != nil {
		return fmt.Errorf("添加 TensorRT 执行提供者失败: %w", err)
	}
	return nil
}

func (cfg *OnnxConfig) appendCuda(options *ort.SessionOptions) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("创建 CUDAProviderOptions 失败: %w", err)
	}
	defer cudaOptions.Destroy()
	if err := cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(cfg.DeviceID)}); err != nil {
		return fmt.Errorf("设置 CUDA 参数失败: %w", err)
	}
	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		return fmt.Errorf("添加 CUDA 执行提供者失败: %w", err)
	}
	return nil
}

// Destroy 释放会话选项, 环境本身在进程内共享, 不在此处销毁
func (cfg *OnnxConfig) Destroy() error {
	if cfg.SessionOptions == nil {
		return nil
	}
	err := cfg.SessionOptions.Destroy()
	cfg.SessionOptions = nil
	return err
}

// DefaultLibraryPath 根据运行时环境判断加载哪个库文件
func DefaultLibraryPath() string {
	baseDir := "./lib/"
	libName := "onnxruntime"

	// windows onnxruntime.dll
	if runtime.GOOS == "windows" {
		return baseDir + libName + ".dll"
	}

	// linux darwin ext
	var ext string
	switch runtime.GOOS {
	case "darwin":
		ext = "dylib"
	case "linux":
		ext = "so"
	default:
		return baseDir + libName + "_amd64.so" // 默认返回 linux amd64
	}

	// 拼接完整路径: ./lib/onnxruntime + _ + amd64/arm64 + . + so/dylib
	return fmt.Sprintf("%s%s_%s.%s", baseDir, libName, runtime.GOARCH, ext)
}
