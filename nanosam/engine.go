package nanosam

import (
	"errors"
	"fmt"
	"image"

	"github.com/getcharzp/go-segment/engine"
	"github.com/sirupsen/logrus"
)

// RuntimeFactory 为每个模型创建独立的推理引擎库
type RuntimeFactory func(modelPath string) (engine.Runtime, error)

// Engine 由编码器和解码器组成的两阶段分割引擎
//
// Engine 不是并发安全的, 同一时间只允许一个 Predict 调用
type Engine struct {
	encoder *engine.Module
	decoder *engine.Module
	config  Config
	log     logrus.FieldLogger

	// 复用的输入输出缓冲区
	embeddings []float32
	iou        []float32
	lowRes     []float32
}

// NewEngine 使用 ONNX Runtime 初始化 nanosam 引擎
func NewEngine(cfg Config) (*Engine, error) {
	onnxConfig, err := cfg.OnnxConfig()
	if err != nil {
		return nil, err
	}
	cfg.logger().WithField("device", engine.DescribeDevice(onnxConfig)).Info("初始化 nanosam 引擎")
	return NewEngineWithRuntime(cfg, func(string) (engine.Runtime, error) {
		return engine.NewOnnxRuntime(onnxConfig), nil
	})
}

// NewEngineWithRuntime 使用指定的推理引擎库初始化 nanosam 引擎
func NewEngineWithRuntime(cfg Config, factory RuntimeFactory) (*Engine, error) {
	log := cfg.logger()

	// encoder
	rt, err := factory(cfg.EncoderModelPath)
	if err != nil {
		return nil, fmt.Errorf("创建 Encoder 运行时失败: %w", err)
	}
	encoder, err := engine.Load(rt, engine.Config{
		ModelPath:   cfg.EncoderModelPath,
		InputNames:  []string{bindImage},
		OutputNames: []string{bindEmbeddings},
		FP16:        cfg.EncoderFP16,
	}, log)
	if err != nil {
		return nil, err
	}

	// decoder
	rt, err = factory(cfg.DecoderModelPath)
	if err != nil {
		encoder.Destroy()
		return nil, fmt.Errorf("创建 Decoder 运行时失败: %w", err)
	}
	decoder, err := engine.Load(rt, engine.Config{
		ModelPath: cfg.DecoderModelPath,
		InputNames: []string{
			bindEmbeddings, bindPointCoords, bindPointLabels, bindMaskInput, bindHasMaskInput,
		},
		OutputNames:   []string{bindIouPrediction, bindLowResMasks},
		DynamicShapes: true,
		FP16:          cfg.DecoderFP16,
		Profiles:      decoderProfiles(),
	}, log)
	if err != nil {
		encoder.Destroy()
		return nil, err
	}

	e := &Engine{
		encoder:    encoder,
		decoder:    decoder,
		config:     cfg,
		log:        log,
		embeddings: make([]float32, HiddenDim*FeatureWidth*FeatureHeight),
		iou:        make([]float32, NumMasks),
		lowRes:     make([]float32, NumMasks*HiddenDim*HiddenDim),
	}
	// 不使用先验 Mask, 两个输入只需写一次
	if err := e.decoder.WriteInput(bindMaskInput, make([]float32, HiddenDim*HiddenDim)); err != nil {
		e.Destroy()
		return nil, fmt.Errorf("%w: 写入 mask_input 失败: %w", engine.ErrLoad, err)
	}
	if err := e.decoder.WriteInput(bindHasMaskInput, []float32{0}); err != nil {
		e.Destroy()
		return nil, fmt.Errorf("%w: 写入 has_mask_input 失败: %w", engine.ErrLoad, err)
	}
	return e, nil
}

// decoderProfiles 提示点数量范围 1 ~ MaxPrompts
func decoderProfiles() []engine.Profile {
	return []engine.Profile{
		{
			Name: bindPointCoords,
			Min:  engine.Dims{1, 1, 2},
			Opt:  engine.Dims{1, 1, 2},
			Max:  engine.Dims{1, MaxPrompts, 2},
		},
		{
			Name: bindPointLabels,
			Min:  engine.Dims{1, 1},
			Opt:  engine.Dims{1, 1},
			Max:  engine.Dims{1, MaxPrompts},
		},
	}
}

// Destroy 释放相关资源
func (e *Engine) Destroy() error {
	var errs []error
	if e.decoder != nil {
		if err := e.decoder.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("销毁 Decoder 失败: %w", err))
		}
	}
	if e.encoder != nil {
		if err := e.encoder.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("销毁 Encoder 失败: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Bindings 返回编码器和解码器的绑定描述
func (e *Engine) Bindings() (encoder, decoder []engine.Binding) {
	return e.encoder.Bindings(), e.decoder.Bindings()
}

// Result Mask 预测结果
type Result struct {
	Width     int
	Height    int
	Mask      []float32 // 原图尺寸的 logits, 大于 0 为前景
	Score     float32   // 所选 Mask 的 IoU 预测值
	MaskIndex int       // 所选 Mask 在解码器输出中的序号
}

// Gray 转换为单通道图, 前景为 255
func (r *Result) Gray() *image.Gray {
	gray := image.NewGray(image.Rect(0, 0, r.Width, r.Height))
	for i, v := range r.Mask {
		if v > 0 {
			gray.Pix[i] = 255
		}
	}
	return gray
}

// Predict 根据提示点分割图片
//
// 提示点为空或图片宽高为 0 时直接返回全 0 的 Mask, 不执行推理
func (e *Engine) Predict(img image.Image, points []Point) (*Result, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if len(points) == 0 || w == 0 || h == 0 {
		return &Result{Width: w, Height: h, Mask: make([]float32, w*h)}, nil
	}
	if len(points) > MaxPrompts {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyPrompts, len(points), MaxPrompts)
	}

	// 图像特征提取
	params, err := e.writeImageInput(img)
	if err != nil {
		return nil, err
	}
	if err := e.encoder.Infer(); err != nil {
		return nil, fmt.Errorf("encoder 推理失败: %w", err)
	}
	if err := e.readEmbeddingOutput(); err != nil {
		return nil, err
	}

	// Mask 解码
	if err := e.writePromptInputs(points, params.scale); err != nil {
		return nil, err
	}
	if err := e.decoder.Infer(); err != nil {
		return nil, fmt.Errorf("decoder 推理失败: %w", err)
	}
	return e.readMaskOutput(params)
}

// writeImageInput 预处理图片并写入编码器输入
func (e *Engine) writeImageInput(img image.Image) (imageParams, error) {
	data, params := preprocess(img, InputSize)
	if err := e.encoder.WriteInput(bindImage, data); err != nil {
		return params, fmt.Errorf("写入图片失败: %w", err)
	}
	e.log.WithField("module", "encoder").Debugf("图片 %dx%d 缩放为 %dx%d", params.origW, params.origH, params.newW, params.newH)
	return params, nil
}

// readEmbeddingOutput 读取图片特征并写入解码器
func (e *Engine) readEmbeddingOutput() error {
	if err := e.encoder.ReadOutput(bindEmbeddings, e.embeddings); err != nil {
		return fmt.Errorf("读取图片特征失败: %w", err)
	}
	if err := e.decoder.WriteInput(bindEmbeddings, e.embeddings); err != nil {
		return fmt.Errorf("写入图片特征失败: %w", err)
	}
	return nil
}

// writePromptInputs 按提示点数量调整动态绑定并写入坐标和标签
func (e *Engine) writePromptInputs(points []Point, scale float32) error {
	n := int64(len(points))
	if err := e.decoder.Resize(bindPointCoords, engine.Dims{1, n, 2}); err != nil {
		return fmt.Errorf("调整 %s 失败: %w", bindPointCoords, err)
	}
	if err := e.decoder.Resize(bindPointLabels, engine.Dims{1, n}); err != nil {
		return fmt.Errorf("调整 %s 失败: %w", bindPointLabels, err)
	}

	coords, labels := preparePoints(points, scale)
	if err := e.decoder.WriteInput(bindPointCoords, coords); err != nil {
		return fmt.Errorf("写入提示点失败: %w", err)
	}
	if err := e.decoder.WriteInput(bindPointLabels, labels); err != nil {
		return fmt.Errorf("写入提示点标签失败: %w", err)
	}
	return nil
}

// readMaskOutput 读取解码结果, 选择 Mask 并还原到原图尺寸
func (e *Engine) readMaskOutput(params imageParams) (*Result, error) {
	if err := e.decoder.ReadOutput(bindIouPrediction, e.iou); err != nil {
		return nil, fmt.Errorf("读取 IoU 失败: %w", err)
	}
	if err := e.decoder.ReadOutput(bindLowResMasks, e.lowRes); err != nil {
		return nil, fmt.Errorf("读取 Mask 失败: %w", err)
	}

	idx := 0
	if e.config.SelectBestMask {
		for i, s := range e.iou {
			if s > e.iou[idx] {
				idx = i
			}
		}
	}

	plane := HiddenDim * HiddenDim
	mask := upscaleMask(e.lowRes[idx*plane:(idx+1)*plane], HiddenDim, params.origW, params.origH)
	return &Result{
		Width:     params.origW,
		Height:    params.origH,
		Mask:      mask,
		Score:     e.iou[idx],
		MaskIndex: idx,
	}, nil
}
