package main

import (
	"github.com/getcharzp/go-segment/nanosam"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// globalOptions 所有子命令共用的参数
type globalOptions struct {
	ConfigPath  string
	Verbose     bool
	LibPath     string
	EncoderPath string
	DecoderPath string
	UseCuda     bool
	UseTensorRT bool
	DeviceID    int
	CacheDir    string
	BestMask    bool

	log *logrus.Logger
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{log: logrus.New()}

	cmd := &cobra.Command{
		Use:   "nanosam",
		Short: "NanoSAM 交互式分割",
		Long: `nanosam 使用图片编码器和 Mask 解码器两个模型完成提示点分割.

模型路径以 .onnx 结尾时从模型描述构建引擎, 其他扩展名视为预编译引擎.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.Verbose {
				opts.log.SetLevel(logrus.DebugLevel)
			}
		},
	}

	opts.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newSegmentCommand(opts),
		newInspectCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

func (o *globalOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&o.ConfigPath, "config", "c", "", "YAML 配置文件路径")
	flags.BoolVarP(&o.Verbose, "verbose", "v", false, "输出调试日志")
	flags.StringVar(&o.LibPath, "lib", "", "onnxruntime 动态库路径")
	flags.StringVar(&o.EncoderPath, "encoder", "", "图片编码器模型路径")
	flags.StringVar(&o.DecoderPath, "decoder", "", "Mask 解码器模型路径")
	flags.BoolVar(&o.UseCuda, "cuda", false, "启用 CUDA")
	flags.BoolVar(&o.UseTensorRT, "tensorrt", false, "启用 TensorRT")
	flags.IntVar(&o.DeviceID, "device", 0, "GPU 设备号")
	flags.StringVar(&o.CacheDir, "engine-cache", "", "TensorRT 引擎缓存目录")
	flags.BoolVar(&o.BestMask, "best-mask", false, "使用 IoU 最高的 Mask")
}

// loadConfig 读取配置文件, 命令行中显式设置的参数优先
func (o *globalOptions) loadConfig(cmd *cobra.Command) (nanosam.Config, error) {
	cfg := nanosam.DefaultConfig()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = nanosam.LoadConfig(o.ConfigPath); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("lib") {
		cfg.OnnxRuntimeLibPath = o.LibPath
	}
	if flags.Changed("encoder") {
		cfg.EncoderModelPath = o.EncoderPath
	}
	if flags.Changed("decoder") {
		cfg.DecoderModelPath = o.DecoderPath
	}
	if flags.Changed("cuda") {
		cfg.UseCuda = o.UseCuda
	}
	if flags.Changed("tensorrt") {
		cfg.UseTensorRT = o.UseTensorRT
	}
	if flags.Changed("device") {
		cfg.DeviceID = o.DeviceID
	}
	if flags.Changed("engine-cache") {
		cfg.EngineCacheDir = o.CacheDir
	}
	if flags.Changed("best-mask") {
		cfg.SelectBestMask = o.BestMask
	}
	cfg.Logger = o.log
	return cfg, nil
}
