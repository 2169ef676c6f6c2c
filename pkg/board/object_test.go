package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Object{ID: "s1", Type: TypeSticky}.Validate())
	assert.ErrorIs(t, Object{Type: TypeSticky}.Validate(), ErrInvalidObject)
	assert.ErrorIs(t, Object{ID: "s1", Type: "hexagon"}.Validate(), ErrInvalidObject)
}

func TestApply(t *testing.T) {
	o := Object{ID: "s1", Type: TypeSticky, X: 100, Y: 100, Fill: "#FFFF00", Points: []float64{1, 2}}

	out := o.Apply(Patch{Fill: String("#FF0000"), X: Float(5), Points: []float64{3, 4}})
	assert.Equal(t, "s1", out.ID)
	assert.Equal(t, "#FF0000", out.Fill)
	assert.Equal(t, 5.0, out.X)
	assert.Equal(t, 100.0, out.Y)
	assert.Equal(t, []float64{3, 4}, out.Points)

	// the source is untouched
	assert.Equal(t, "#FFFF00", o.Fill)
	assert.Equal(t, []float64{1, 2}, o.Points)

	out = o.Apply(Patch{Type: TypeOf(TypeRect)})
	assert.Equal(t, TypeRect, out.Type)
}

func TestMarshalFieldNames(t *testing.T) {
	raw, err := Marshal(Object{ID: "l1", Type: TypeLine, FromID: "a", ToID: "b", ParentID: "f1", FontSize: 12})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"l1","type":"line","x":0,"y":0,"fromId":"a","toId":"b","parentId":"f1","fontSize":12}`, raw)

	o, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, "b", o.ToID)

	_, err = Unmarshal("{")
	assert.Error(t, err)
}
