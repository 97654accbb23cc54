package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDims(t *testing.T) {
	d := Dims{1, -1, 2}
	assert.True(t, d.IsDynamic())
	assert.False(t, Dims{1, 3, 2}.IsDynamic())
	assert.Equal(t, int64(2), d.ElementCount(1))
	assert.Equal(t, int64(20), d.ElementCount(10))
	assert.Equal(t, Dims{1, 10, 2}, d.Resolve(10))
	assert.Equal(t, "1x-1x2", d.String())

	assert.True(t, d.Matches(Dims{1, 4, 2}))
	assert.False(t, d.Matches(Dims{1, 4, 3}))
	assert.False(t, d.Matches(Dims{1, 0, 2}))
	assert.False(t, d.Matches(Dims{4, 2}))
}

func TestNewBinding(t *testing.T) {
	b := newBinding(1, TensorInfo{Name: "point_coords", Dims: Dims{1, -1, 2}, IsInput: true}, 1)
	assert.True(t, b.Dynamic)
	assert.Equal(t, Dims{1, 1, 2}, b.Dims)
	assert.Equal(t, int64(2), b.ElementCount)
	assert.Equal(t, int64(8), b.ByteSize)

	b.setDims(Dims{1, 2, 2})
	assert.Equal(t, int64(4), b.ElementCount)
	assert.Equal(t, int64(16), b.ByteSize)
	assert.Equal(t, Dims{1, -1, 2}, b.Declared)
}

func TestProfile(t *testing.T) {
	p := Profile{Name: "point_labels", Min: Dims{1, 1}, Opt: Dims{1, 1}, Max: Dims{1, 10}}
	require.NoError(t, p.validate())
	assert.True(t, p.Contains(Dims{1, 1}))
	assert.True(t, p.Contains(Dims{1, 10}))
	assert.False(t, p.Contains(Dims{1, 11}))
	assert.False(t, p.Contains(Dims{1, 2, 3}))

	bad := Profile{Name: "x", Min: Dims{1, 5}, Opt: Dims{1, 2}, Max: Dims{1, 10}}
	assert.Error(t, bad.validate())
}

func TestProfileShapes(t *testing.T) {
	minShapes, optShapes, maxShapes := profileShapes([]Profile{
		{Name: "point_coords", Min: Dims{1, 1, 2}, Opt: Dims{1, 1, 2}, Max: Dims{1, 10, 2}},
		{Name: "point_labels", Min: Dims{1, 1}, Opt: Dims{1, 1}, Max: Dims{1, 10}},
	})
	assert.Equal(t, "point_coords:1x1x2,point_labels:1x1", minShapes)
	assert.Equal(t, "point_coords:1x1x2,point_labels:1x1", optShapes)
	assert.Equal(t, "point_coords:1x10x2,point_labels:1x10", maxShapes)
}

func TestIsModelDescription(t *testing.T) {
	assert.True(t, IsModelDescription("data/mobile_sam_mask_decoder.onnx"))
	assert.True(t, IsModelDescription("data/encoder.ONNX"))
	assert.False(t, IsModelDescription("data/resnet18_image_encoder.engine"))
	assert.False(t, IsModelDescription("data/encoder.ort"))
}
