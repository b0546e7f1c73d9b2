package transform

import (
	"testing"

	"freehand3d/internal/models"
	"freehand3d/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func name(from, to string) models.TransformName {
	return models.NewTransformName(from, to)
}

func TestGetTransformComposesAndInverts(t *testing.T) {
	g := NewGraph(nil)
	imageToProbe := models.Scaling(0.5, 0.5, 1)
	probeToTracker := models.Translation(10, 0, 0)
	referenceToTracker := models.Translation(0, 20, 0)

	require.NoError(t, g.SetTransform(name("Image", "Probe"), imageToProbe, true))
	require.NoError(t, g.SetTransform(name("Probe", "Tracker"), probeToTracker, true))
	require.NoError(t, g.SetTransform(name("Reference", "Tracker"), referenceToTracker, true))

	m, valid, err := g.GetTransform(name("Image", "Reference"))
	require.NoError(t, err)
	assert.True(t, valid)

	// pixel (4, 6) -> probe (2, 3) -> tracker (12, 3) -> reference (12, -17)
	p := m.Apply(models.Point3{X: 4, Y: 6})
	assert.InDelta(t, 12, p.X, 1e-9)
	assert.InDelta(t, -17, p.Y, 1e-9)
	assert.InDelta(t, 0, p.Z, 1e-9)

	back, valid, err := g.GetTransform(name("Reference", "Image"))
	require.NoError(t, err)
	assert.True(t, valid)
	assert.True(t, back.Mul(m).ApproxEqual(models.Identity(), 1e-9))
}

func TestGetTransformSameFrameIsIdentity(t *testing.T) {
	g := NewGraph(nil)
	m, valid, err := g.GetTransform(name("Image", "image"))
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, models.Identity(), m)
}

func TestGetTransformValidityIsConjunction(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.SetTransform(name("Image", "Probe"), models.Identity(), true))
	require.NoError(t, g.SetTransform(name("Probe", "Reference"), models.Translation(1, 2, 3), false))

	m, valid, err := g.GetTransform(name("Image", "Reference"))
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, models.Translation(1, 2, 3), m)

	require.NoError(t, g.IsExistingTransform(name("Image", "Reference")))
}

func TestGetTransformPathNotFound(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.SetTransform(name("Image", "Probe"), models.Identity(), true))

	_, _, err := g.GetTransform(name("Image", "Reference"))
	assert.ErrorIs(t, err, ErrPathNotFound)
	assert.ErrorIs(t, g.IsExistingTransform(name("Image", "Reference")), ErrPathNotFound)
}

func TestInvalidNames(t *testing.T) {
	g := NewGraph(nil)
	assert.ErrorIs(t, g.SetTransform(name("", "Probe"), models.Identity(), true), ErrInvalidArgument)
	_, _, err := g.GetTransform(name("Image", " "))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, g.SetTransform(name("Probe", "probe"), models.Identity(), true), ErrInvalidArgument)
}

func TestSetTransformRejectsCycles(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.SetTransform(name("A", "B"), models.Identity(), true))
	require.NoError(t, g.SetTransform(name("B", "C"), models.Identity(), true))

	err := g.SetTransform(name("C", "A"), models.Identity(), true)
	assert.ErrorIs(t, err, ErrAmbiguousPath)
	assert.Len(t, g.Names(), 2)
}

func TestSetTransformUpdatesReverseEdge(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.SetTransform(name("Probe", "Tracker"), models.Translation(5, 0, 0), true))
	require.NoError(t, g.SetTransform(name("tracker", "probe"), models.Translation(-7, 0, 0), true))

	m, _, err := g.GetTransform(name("Probe", "Tracker"))
	require.NoError(t, err)
	assert.True(t, m.ApproxEqual(models.Translation(7, 0, 0), 1e-9))
	assert.Len(t, g.Names(), 1)
}

func TestSetTransformRejectsSingularReverseUpdate(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.SetTransform(name("Probe", "Tracker"), models.Identity(), true))
	err := g.SetTransform(name("Tracker", "Probe"), models.Scaling(0, 1, 1), true)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPathThroughSharedParent(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.SetTransform(name("A", "B"), models.Translation(1, 0, 0), true))
	require.NoError(t, g.SetTransform(name("A", "C"), models.Translation(0, 1, 0), true))
	require.NoError(t, g.SetTransform(name("B", "D"), models.Translation(0, 0, 1), true))

	m, _, err := g.GetTransform(name("C", "D"))
	require.NoError(t, err)
	p := m.Apply(models.Point3{})
	assert.InDelta(t, 1, p.X, 1e-9)
	assert.InDelta(t, -1, p.Y, 1e-9)
	assert.InDelta(t, 1, p.Z, 1e-9)
}

func TestSetTransformsFromFrame(t *testing.T) {
	g := NewGraph(nil)
	frame := &models.TrackedFrame{Timestamp: 12.5, FrameNumber: 3}
	frame.SetTransform(name("Probe", "Tracker"), models.Translation(1, 0, 0), true)
	frame.SetTransform(name("Reference", "Tracker"), models.Identity(), false)

	require.NoError(t, g.SetTransforms(frame))

	_, valid, err := g.GetTransform(name("Probe", "Reference"))
	require.NoError(t, err)
	assert.False(t, valid)

	date, err := g.GetTransformDate(name("Probe", "Tracker"))
	require.NoError(t, err)
	assert.Equal(t, 12.5, date)
}

func TestSetTransformsEmptyFrame(t *testing.T) {
	g := NewGraph(nil)
	assert.ErrorIs(t, g.SetTransforms(&models.TrackedFrame{}), ErrInvalidFrame)
	assert.ErrorIs(t, g.SetTransforms(nil), ErrInvalidFrame)
}

func TestSetTransformsContinuesAfterFailure(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.SetTransform(name("A", "B"), models.Identity(), true))
	require.NoError(t, g.SetTransform(name("B", "C"), models.Identity(), true))

	frame := &models.TrackedFrame{}
	frame.SetTransform(name("A", "C"), models.Identity(), true) // closes a cycle
	frame.SetTransform(name("Probe", "Tracker"), models.Identity(), true)

	err := g.SetTransforms(frame)
	assert.ErrorIs(t, err, ErrAmbiguousPath)
	assert.NoError(t, g.IsExistingTransform(name("Probe", "Tracker")))
}

func TestAttributesDirectOnly(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.SetTransform(name("Image", "Probe"), models.Identity(), true))
	require.NoError(t, g.SetTransform(name("Probe", "Reference"), models.Identity(), true))
	require.NoError(t, g.SetTransformPersistent(name("Image", "Probe"), true))
	require.NoError(t, g.SetTransformError(name("Probe", "Image"), 0.25))

	persistent, err := g.GetTransformPersistent(name("Probe", "Image"))
	require.NoError(t, err)
	assert.True(t, persistent)

	e, err := g.GetTransformError(name("Image", "Probe"))
	require.NoError(t, err)
	assert.Equal(t, 0.25, e)

	_, err = g.GetTransformPersistent(name("Image", "Reference"))
	assert.ErrorIs(t, err, ErrIndirectTransform)

	_, err = g.GetTransformDate(name("Image", "Nowhere"))
	assert.ErrorIs(t, err, ErrPathNotFound)

	assert.ErrorIs(t, g.SetTransformDate(name("Image", "Reference"), 1), ErrIndirectTransform)
}

func TestDeepCopyIsIndependent(t *testing.T) {
	shared := NewGraph(nil)
	require.NoError(t, shared.SetTransform(name("Image", "Reference"), models.Identity(), true))

	private := shared.DeepCopy()
	require.NoError(t, private.SetTransform(name("Image", "Reference"), models.Translation(1, 1, 1), false))
	require.NoError(t, shared.SetTransform(name("Probe", "Reference"), models.Identity(), true))

	m, valid, err := shared.GetTransform(name("Image", "Reference"))
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, models.Identity(), m)

	assert.ErrorIs(t, private.IsExistingTransform(name("Probe", "Reference")), ErrPathNotFound)
}

func TestReadConfiguration(t *testing.T) {
	g := NewGraph(nil)
	err := g.ReadConfiguration([]config.Transform{{
		Name:   "ImageToProbe",
		Matrix: []float64{0.2, 0, 0, 0, 0, 0.2, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
		Error:  0.4,
		Date:   100,
	}})
	require.NoError(t, err)

	persistent, err := g.GetTransformPersistent(name("Image", "Probe"))
	require.NoError(t, err)
	assert.True(t, persistent)
	date, err := g.GetTransformDate(name("Image", "Probe"))
	require.NoError(t, err)
	assert.Equal(t, 100.0, date)

	err = g.ReadConfiguration([]config.Transform{{Name: "Nonsense", Matrix: make([]float64, 16)}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLongChainWithinHopBound(t *testing.T) {
	g := NewGraph(nil)
	frames := make([]string, 20)
	for i := range frames {
		frames[i] = string(rune('A' + i))
	}
	for i := 0; i+1 < len(frames); i++ {
		require.NoError(t, g.SetTransform(name(frames[i], frames[i+1]), models.Translation(1, 0, 0), true))
	}
	m, valid, err := g.GetTransform(name(frames[0], frames[len(frames)-1]))
	require.NoError(t, err)
	assert.True(t, valid)
	assert.InDelta(t, float64(len(frames)-1), m.Apply(models.Point3{}).X, 1e-9)
}
