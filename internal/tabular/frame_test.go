package tabular

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFrame(t *testing.T) *Frame {
	t.Helper()
	f := New("file", "la", "ld")
	require.NoError(t, f.AppendRow("a.java", 10.0, 2.0))
	require.NoError(t, f.AppendRow("b.java", 3.0, 0.0))
	require.NoError(t, f.AppendRow("c.java", 7.0, 5.0))
	return f
}

func TestAppendRowArity(t *testing.T) {
	f := New("a", "b")
	require.Error(t, f.AppendRow(1.0))
	require.NoError(t, f.AppendRow(1.0, 2.0))
	assert.Equal(t, 1, f.NumRows())
}

func TestFloatCoercion(t *testing.T) {
	f := New("x")
	require.NoError(t, f.AppendRow(3.5))
	require.NoError(t, f.AppendRow(int64(4)))
	require.NoError(t, f.AppendRow("not a number"))
	require.NoError(t, f.AppendRow(nil))

	v, ok := f.Float(0, "x")
	assert.True(t, ok)
	assert.Equal(t, 3.5, v)

	v, ok = f.Float(1, "x")
	assert.True(t, ok)
	assert.Equal(t, 4.0, v)

	_, ok = f.Float(2, "x")
	assert.False(t, ok)
	_, ok = f.Float(3, "x")
	assert.False(t, ok)
}

func TestSelectPreservesOrder(t *testing.T) {
	f := sampleFrame(t)
	out, err := f.Select("ld", "file")
	require.NoError(t, err)
	assert.Equal(t, []string{"ld", "file"}, out.Columns())
	assert.Equal(t, "a.java", out.String(0, "file"))

	_, err = f.Select("missing")
	require.Error(t, err)
}

func TestFilter(t *testing.T) {
	f := sampleFrame(t)
	out := f.Filter(func(i int) bool {
		la, _ := f.Float(i, "la")
		return la > 5
	})
	assert.Equal(t, 2, out.NumRows())
	assert.Equal(t, "a.java", out.String(0, "file"))
	assert.Equal(t, "c.java", out.String(1, "file"))
}

func TestConcatColumnMismatch(t *testing.T) {
	a := New("x", "y")
	b := New("y", "x")
	_, err := Concat(a, b)
	require.Error(t, err)

	c := New("x", "y")
	require.NoError(t, a.AppendRow(1.0, 2.0))
	require.NoError(t, c.AppendRow(3.0, 4.0))
	out, err := Concat(a, c)
	require.NoError(t, err)
	assert.Equal(t, 2, out.NumRows())
}

func TestSample(t *testing.T) {
	f := New("x")
	for i := 0; i < 100; i++ {
		require.NoError(t, f.AppendRow(float64(i)))
	}
	s := f.Sample(10, 42)
	assert.Equal(t, 10, s.NumRows())

	// Requesting more rows than exist returns everything.
	all := f.Sample(1000, 42)
	assert.Equal(t, 100, all.NumRows())
}

func TestDropDuplicates(t *testing.T) {
	f := New("x", "y")
	require.NoError(t, f.AppendRow(1.0, "a"))
	require.NoError(t, f.AppendRow(1.0, "a"))
	require.NoError(t, f.AppendRow(1.0, "b"))
	out := f.DropDuplicates()
	assert.Equal(t, 2, out.NumRows())
}

func TestJSONRoundTrip(t *testing.T) {
	f := sampleFrame(t)
	b, err := json.Marshal(f)
	require.NoError(t, err)

	var back Frame
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, f.Columns(), back.Columns())
	assert.Equal(t, f.NumRows(), back.NumRows())
	v, ok := back.Float(2, "ld")
	assert.True(t, ok)
	assert.Equal(t, 5.0, v)

	bad := []byte(`{"columns":["a","b"],"rows":[[1]]}`)
	require.Error(t, json.Unmarshal(bad, &back))
}
