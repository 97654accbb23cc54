package nanosam

import (
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/getcharzp/go-segment/engine"
	"github.com/getcharzp/go-segment/engine/enginetest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestLogger creates a logger for testing
func createTestLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// fakeModels 模拟的编码器和解码器
type fakeModels struct {
	encoder *enginetest.Runtime
	decoder *enginetest.Runtime

	failDecoder bool
	lastCoords  []float32
	lastLabels  []float32
	lastEmbed   float32
}

func newFakeModels() *fakeModels {
	f := &fakeModels{}
	f.encoder = enginetest.NewRuntime(&enginetest.Model{
		Bindings: []engine.TensorInfo{
			{Name: bindImage, Dims: engine.Dims{1, 3, InputSize, InputSize}, IsInput: true},
			{Name: bindEmbeddings, Dims: engine.Dims{1, HiddenDim, FeatureHeight, FeatureWidth}},
		},
		Exec: func(in map[string][]float32, _ map[string]engine.Dims, out map[string][]float32) error {
			out[bindEmbeddings][0] = in[bindImage][0]
			return nil
		},
	})
	f.decoder = enginetest.NewRuntime(&enginetest.Model{
		Bindings: []engine.TensorInfo{
			{Name: bindEmbeddings, Dims: engine.Dims{1, HiddenDim, FeatureHeight, FeatureWidth}, IsInput: true},
			{Name: bindPointCoords, Dims: engine.Dims{1, -1, 2}, IsInput: true},
			{Name: bindPointLabels, Dims: engine.Dims{1, -1}, IsInput: true},
			{Name: bindMaskInput, Dims: engine.Dims{1, 1, HiddenDim, HiddenDim}, IsInput: true},
			{Name: bindHasMaskInput, Dims: engine.Dims{1}, IsInput: true},
			{Name: bindIouPrediction, Dims: engine.Dims{1, NumMasks}},
			{Name: bindLowResMasks, Dims: engine.Dims{1, NumMasks, HiddenDim, HiddenDim}},
		},
		Exec: f.decode,
	})
	return f
}

// decode 第 0 个 Mask 左半边为前景, 第 1 个 Mask 全部为前景
func (f *fakeModels) decode(in map[string][]float32, _ map[string]engine.Dims, out map[string][]float32) error {
	if f.failDecoder {
		return errors.New("decoder rejected")
	}
	f.lastCoords = append([]float32(nil), in[bindPointCoords]...)
	f.lastLabels = append([]float32(nil), in[bindPointLabels]...)
	f.lastEmbed = in[bindEmbeddings][0]

	copy(out[bindIouPrediction], []float32{0.5, 0.9, 0.3, 0.1})
	masks := out[bindLowResMasks]
	plane := HiddenDim * HiddenDim
	for i := 0; i < plane; i++ {
		if i%HiddenDim < HiddenDim/2 {
			masks[i] = 3
		} else {
			masks[i] = -3
		}
		masks[plane+i] = 1
		masks[2*plane+i] = -1
		masks[3*plane+i] = -1
	}
	return nil
}

func (f *fakeModels) factory(dir string) RuntimeFactory {
	return func(modelPath string) (engine.Runtime, error) {
		switch modelPath {
		case filepath.Join(dir, "encoder.onnx"):
			return f.encoder, nil
		case filepath.Join(dir, "decoder.onnx"):
			return f.decoder, nil
		}
		return nil, errors.New("unknown model " + modelPath)
	}
}

func testConfig(t *testing.T) (Config, string) {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"encoder.onnx", "decoder.onnx"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("model"), 0o644))
	}
	cfg := DefaultConfig()
	cfg.EncoderModelPath = filepath.Join(dir, "encoder.onnx")
	cfg.DecoderModelPath = filepath.Join(dir, "decoder.onnx")
	cfg.Logger = createTestLogger()
	return cfg, dir
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *fakeModels) {
	t.Helper()
	cfg, dir := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	f := newFakeModels()
	e, err := NewEngineWithRuntime(cfg, f.factory(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Destroy() })
	return e, f
}

func TestNewEngineLoadsBothModels(t *testing.T) {
	e, f := newTestEngine(t, nil)

	opts := f.encoder.LastBuildOptions()
	require.NotNil(t, opts)
	assert.True(t, opts.FP16)
	assert.Empty(t, opts.Profiles)

	opts = f.decoder.LastBuildOptions()
	require.NotNil(t, opts)
	assert.False(t, opts.FP16)
	require.Len(t, opts.Profiles, 2)
	assert.Equal(t, engine.Dims{1, MaxPrompts, 2}, opts.Profiles[0].Max)
	assert.Equal(t, engine.Dims{1, MaxPrompts}, opts.Profiles[1].Max)

	assert.Equal(t, 2, f.encoder.LiveBuffers())
	assert.Equal(t, 7, f.decoder.LiveBuffers())

	bindings := e.decoder.Bindings()
	assert.Equal(t, int64(2), bindings[1].ElementCount)
	assert.Equal(t, int64(1), bindings[2].ElementCount)
}

func TestNewEngineDecoderFailureReleasesEncoder(t *testing.T) {
	cfg, dir := testConfig(t)
	f := newFakeModels()
	f.decoder.BuildErr = errors.New("bad model")

	_, err := NewEngineWithRuntime(cfg, f.factory(dir))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrLoad)

	assert.Equal(t, 0, f.encoder.LiveBuffers())
	assert.Contains(t, f.encoder.Events(), "runtime destroy")
	assert.Contains(t, f.decoder.Events(), "runtime destroy")
}

func TestNewEngineMissingModel(t *testing.T) {
	cfg, dir := testConfig(t)
	require.NoError(t, os.Remove(cfg.EncoderModelPath))
	f := newFakeModels()

	_, err := NewEngineWithRuntime(cfg, f.factory(dir))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrLoad)
	assert.Equal(t, 0, f.decoder.LiveBuffers())
}

func TestPredictEmptyPrompt(t *testing.T) {
	e, f := newTestEngine(t, nil)
	f.encoder.ResetEvents()
	f.decoder.ResetEvents()

	img := solidImage(37, 21, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	res, err := e.Predict(img, nil)
	require.NoError(t, err)

	assert.Equal(t, 37, res.Width)
	assert.Equal(t, 21, res.Height)
	require.Len(t, res.Mask, 37*21)
	for _, v := range res.Mask {
		require.Zero(t, v)
	}
	assert.Zero(t, f.encoder.Executions())
	assert.Zero(t, f.decoder.Executions())
	assert.Empty(t, f.encoder.Events())
	assert.Empty(t, f.decoder.Events())
}

func TestPredictZeroSizeImage(t *testing.T) {
	e, f := newTestEngine(t, nil)
	points := []Point{{X: 0, Y: 0, Label: LabelForeground}}

	for _, size := range [][2]int{{0, 0}, {0, 10}, {10, 0}} {
		res, err := e.Predict(image.NewRGBA(image.Rect(0, 0, size[0], size[1])), points)
		require.NoError(t, err, "%dx%d", size[0], size[1])
		assert.Equal(t, size[0], res.Width)
		assert.Equal(t, size[1], res.Height)
		assert.Empty(t, res.Mask)
		assert.Equal(t, image.Rect(0, 0, size[0], size[1]), res.Gray().Bounds())
	}
	assert.Zero(t, f.encoder.Executions())
	assert.Zero(t, f.decoder.Executions())

	// 后续正常图片不受影响
	res, err := e.Predict(solidImage(16, 16, color.White), points)
	require.NoError(t, err)
	assert.Len(t, res.Mask, 16*16)
}

func TestPredictTooManyPrompts(t *testing.T) {
	e, f := newTestEngine(t, nil)

	points := make([]Point, MaxPrompts+1)
	_, err := e.Predict(solidImage(8, 8, color.White), points)
	assert.ErrorIs(t, err, ErrTooManyPrompts)
	assert.Zero(t, f.encoder.Executions())
	assert.Zero(t, f.decoder.Executions())
}

func TestPredictTwoPoints(t *testing.T) {
	e, f := newTestEngine(t, nil)

	img := solidImage(1920, 1080, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	res, err := e.Predict(img, []Point{
		{X: 960, Y: 540, Label: LabelForeground},
		{X: 100, Y: 100, Label: LabelBackground},
	})
	require.NoError(t, err)

	bindings := e.decoder.Bindings()
	coords, labels := bindings[1], bindings[2]
	assert.Equal(t, engine.Dims{1, 2, 2}, coords.Dims)
	assert.Equal(t, int64(4), coords.ElementCount)
	assert.Equal(t, int64(16), coords.ByteSize)
	assert.Equal(t, engine.Dims{1, 2}, labels.Dims)
	assert.Equal(t, int64(2), labels.ElementCount)
	assert.Equal(t, int64(8), labels.ByteSize)

	scale := float32(1024) / 1920
	assert.InDeltaSlice(t, []float32{960 * scale, 540 * scale, 100 * scale, 100 * scale}, f.lastCoords, 1e-3)
	assert.Equal(t, []float32{1, 0}, f.lastLabels)
	assert.InDelta(t, (1-MeanR)/StdR, f.lastEmbed, 0.05)

	assert.Equal(t, 1920, res.Width)
	assert.Equal(t, 1080, res.Height)
	assert.Equal(t, 0, res.MaskIndex)
	assert.InDelta(t, 0.5, res.Score, 1e-6)

	gray := res.Gray()
	assert.Equal(t, uint8(255), gray.GrayAt(100, 500).Y)
	assert.Equal(t, uint8(0), gray.GrayAt(1800, 500).Y)
}

func TestPredictSelectBestMask(t *testing.T) {
	e, _ := newTestEngine(t, func(cfg *Config) { cfg.SelectBestMask = true })

	res, err := e.Predict(solidImage(64, 48, color.White), []Point{{X: 1, Y: 1, Label: LabelForeground}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.MaskIndex)
	assert.InDelta(t, 0.9, res.Score, 1e-6)
	for _, v := range res.Gray().Pix {
		require.Equal(t, uint8(255), v)
	}
}

func TestPredictIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	img := solidImage(300, 500, color.RGBA{R: 90, G: 160, B: 40, A: 255})
	points := []Point{
		{X: 20, Y: 30, Label: LabelBoxTopLeft},
		{X: 200, Y: 400, Label: LabelBoxBotRight},
	}

	first, err := e.Predict(img, points)
	require.NoError(t, err)
	second, err := e.Predict(img, points)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPredictPromptCountChanges(t *testing.T) {
	e, f := newTestEngine(t, nil)
	img := solidImage(100, 100, color.White)

	for _, n := range []int{3, 1, MaxPrompts, 2} {
		points := make([]Point, n)
		for i := range points {
			points[i] = Point{X: float32(i), Y: float32(i), Label: LabelForeground}
		}
		_, err := e.Predict(img, points)
		require.NoError(t, err, "n=%d", n)
		assert.Len(t, f.lastCoords, 2*n)
		assert.Len(t, f.lastLabels, n)
	}
}

func TestPredictRecoversAfterDecoderFailure(t *testing.T) {
	e, f := newTestEngine(t, nil)
	img := solidImage(64, 64, color.White)
	points := []Point{{X: 10, Y: 10, Label: LabelForeground}}

	f.failDecoder = true
	_, err := e.Predict(img, points)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInference)

	f.failDecoder = false
	res, err := e.Predict(img, points)
	require.NoError(t, err)
	assert.Equal(t, 64*64, len(res.Mask))
}

func TestDestroyIsIdempotent(t *testing.T) {
	e, f := newTestEngine(t, nil)
	require.NoError(t, e.Destroy())
	require.NoError(t, e.Destroy())
	assert.Equal(t, 0, f.encoder.LiveBuffers())
	assert.Equal(t, 0, f.decoder.LiveBuffers())

	_, err := e.Predict(solidImage(4, 4, color.White), []Point{{X: 1, Y: 1, Label: LabelForeground}})
	assert.ErrorIs(t, err, engine.ErrDestroyed)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nanosam.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
encoder_model_path: /models/encoder.engine
use_tensorrt: true
engine_cache_dir: /tmp/trt
select_best_mask: true
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/models/encoder.engine", cfg.EncoderModelPath)
	assert.Equal(t, DefaultConfig().DecoderModelPath, cfg.DecoderModelPath)
	assert.True(t, cfg.UseTensorRT)
	assert.True(t, cfg.EncoderFP16)
	assert.True(t, cfg.SelectBestMask)
	assert.Equal(t, "/tmp/trt", cfg.EngineCacheDir)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("use_cuda: [1"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigOnnxConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseTensorRT = true
	cfg.DeviceID = 1
	cfg.NumThreads = 4
	cfg.EngineCacheDir = "/tmp/trt"

	onnxConfig, err := cfg.OnnxConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg.OnnxRuntimeLibPath, onnxConfig.OnnxRuntimeLibPath)
	assert.True(t, onnxConfig.UseTensorRT)
	assert.Equal(t, 1, onnxConfig.DeviceID)
	assert.Equal(t, 4, onnxConfig.NumThreads)
	assert.Equal(t, "1", onnxConfig.TensorRTOptions["trt_engine_cache_enable"])
	assert.Equal(t, "/tmp/trt", onnxConfig.TensorRTOptions["trt_engine_cache_path"])
	assert.Equal(t, "tensorrt:1", engine.DescribeDevice(onnxConfig))

	cfg.UseTensorRT = false
	onnxConfig, err = cfg.OnnxConfig()
	require.NoError(t, err)
	assert.Empty(t, onnxConfig.TensorRTOptions)
	assert.Equal(t, "cpu", engine.DescribeDevice(onnxConfig))
}
