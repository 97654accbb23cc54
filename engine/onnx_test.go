package engine_test

import (
	"os"
	"testing"

	segment "github.com/getcharzp/go-segment"
	"github.com/getcharzp/go-segment/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rowSumModel 输入 [-1, 10], 输出每行之和 [-1]
const rowSumModel = "testdata/row_sum.onnx"

// newCPURuntime 仅使用 CPU, 找不到 onnxruntime 动态库时跳过
func newCPURuntime(t *testing.T) *engine.OnnxRuntime {
	t.Helper()
	libPath := os.Getenv("ONNXRUNTIME_LIB_PATH")
	if libPath == "" {
		libPath = "../" + segment.DefaultLibraryPath()
	}
	if _, err := os.Stat(libPath); err != nil {
		t.Skipf("缺少 %s", libPath)
	}
	return engine.NewOnnxRuntime(segment.OnnxConfig{OnnxRuntimeLibPath: libPath, NumThreads: 1})
}

func TestOnnxLoadAndInfer(t *testing.T) {
	rt := newCPURuntime(t)
	m, err := engine.Load(rt, engine.Config{
		ModelPath:     rowSumModel,
		InputNames:    []string{"input_vectors"},
		OutputNames:   []string{"output_scalars"},
		DynamicShapes: true,
		Profiles: []engine.Profile{
			{Name: "input_vectors", Min: engine.Dims{1, 10}, Opt: engine.Dims{4, 10}, Max: engine.Dims{8, 10}},
		},
	}, createTestLogger())
	require.NoError(t, err)
	defer m.Destroy()

	bindings := m.Bindings()
	require.Len(t, bindings, 2)
	assert.Equal(t, engine.Dims{1, 10}, bindings[0].Dims)
	assert.True(t, bindings[0].Dynamic)

	for _, rows := range []int64{3, 1, 8} {
		require.NoError(t, m.Resize("input_vectors", engine.Dims{rows, 10}))
		require.NoError(t, m.Resize("output_scalars", engine.Dims{rows}))

		input := make([]float32, rows*10)
		want := make([]float32, rows)
		for i := range input {
			input[i] = float32(i%10) * 0.5
			want[i/10] += input[i]
		}
		require.NoError(t, m.WriteInput("input_vectors", input))
		require.NoError(t, m.Infer())

		got := make([]float32, rows)
		require.NoError(t, m.ReadOutput("output_scalars", got))
		assert.InDeltaSlice(t, want, got, 1e-4)
	}

	assert.ErrorIs(t, m.Resize("input_vectors", engine.Dims{9, 10}), engine.ErrOutOfProfile)
}

func TestOnnxExecuteChecksDims(t *testing.T) {
	rt := newCPURuntime(t)
	eng, err := rt.BuildEngine(rowSumModel, engine.BuildOptions{})
	require.NoError(t, err)
	defer eng.Destroy()

	ctx, err := eng.CreateContext()
	require.NoError(t, err)
	defer ctx.Destroy()

	input, err := rt.Malloc(engine.Dims{3, 10})
	require.NoError(t, err)
	defer input.Free()
	output, err := rt.Malloc(engine.Dims{3})
	require.NoError(t, err)
	defer output.Free()
	assert.Equal(t, int64(120), input.ByteSize())

	_, err = rt.Malloc(engine.Dims{-1, 10})
	assert.Error(t, err)

	stream, err := rt.NewStream()
	require.NoError(t, err)
	defer stream.Destroy()

	// 主机与设备大小不一致
	assert.ErrorIs(t, stream.CopyHostToDevice(input, make([]float32, 29)), engine.ErrSizeMismatch)
	assert.ErrorIs(t, stream.CopyDeviceToHost(make([]float32, 2), output), engine.ErrSizeMismatch)

	data := make([]float32, 30)
	for i := range data {
		data[i] = 1
	}
	require.NoError(t, stream.CopyHostToDevice(input, data))
	require.NoError(t, ctx.SetOptimizationProfile(0, stream))
	assert.Error(t, ctx.SetOptimizationProfile(1, stream))

	buffers := map[string]engine.DeviceBuffer{"input_vectors": input, "output_scalars": output}
	require.NoError(t, ctx.SetBindingDims("input_vectors", engine.Dims{2, 10}))
	assert.Error(t, ctx.Execute(buffers))

	require.NoError(t, ctx.SetBindingDims("input_vectors", engine.Dims{3, 10}))
	require.NoError(t, ctx.Execute(buffers))

	sums := make([]float32, 3)
	require.NoError(t, stream.CopyDeviceToHost(sums, output))
	assert.InDeltaSlice(t, []float32{10, 10, 10}, sums, 1e-5)

	assert.ErrorIs(t, ctx.Execute(map[string]engine.DeviceBuffer{"input_vectors": input}), engine.ErrBindingNotFound)
}

func TestOnnxRejectsNonFloatModel(t *testing.T) {
	rt := newCPURuntime(t)
	_, err := rt.BuildEngine("testdata/multitype.onnx", engine.BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "仅支持 float32")

	_, err = rt.DeserializeEngine(nil, engine.BuildOptions{})
	assert.Error(t, err)
}
