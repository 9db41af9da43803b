package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `{
	"name": "vehicle",
	"messages": [
		{
			"name": "Engine",
			"frame_id": 256,
			"length": 8,
			"signals": [
				{"name": "RPM", "start": 0, "length": 16, "scale": 0.25, "maximum": 16000},
				{"name": "Temp", "start": 16, "length": 8, "offset": -40, "minimum": -40, "maximum": 215}
			]
		},
		{
			"name": "Brakes",
			"frame_id": 512,
			"length": 2,
			"signals": [
				{"name": "Pressure", "start": 7, "length": 16, "byte_order": "big_endian"}
			]
		}
	]
}`

func TestLoad(t *testing.T) {
	s, err := Load([]byte(sampleDoc))
	require.NoError(t, err)
	assert.Equal(t, "vehicle", s.Name)
	assert.Len(t, s.Messages, 2)

	engine, ok := s.MessageByName("Engine")
	require.True(t, ok)
	assert.Equal(t, uint32(0x100), engine.FrameID)

	byID, ok := s.MessageByFrameID(0x200)
	require.True(t, ok)
	assert.Equal(t, "Brakes", byID.Name)

	assert.Equal(t, []string{"Brakes", "Engine"}, s.MessageNames())
}

func TestLoadAppliesDefaults(t *testing.T) {
	s, err := Load([]byte(sampleDoc))
	require.NoError(t, err)

	engine, _ := s.MessageByName("Engine")
	temp, ok := engine.SignalByName("Temp")
	require.True(t, ok)
	assert.Equal(t, 1.0, temp.Scale)
	assert.Equal(t, LittleEndian, temp.ByteOrder)

	brakes, _ := s.MessageByName("Brakes")
	pressure, _ := brakes.SignalByName("Pressure")
	assert.Equal(t, BigEndian, pressure.ByteOrder)
}

func TestLoadRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"not json", "hello"},
		{"no messages", `{"messages": []}`},
		{"unnamed message", `{"messages": [{"frame_id": 1, "length": 8, "signals": []}]}`},
		{"bad length", `{"messages": [{"name": "X", "frame_id": 1, "length": 12, "signals": []}]}`},
		{"signal outside frame", `{"messages": [{"name": "X", "frame_id": 1, "length": 1,
			"signals": [{"name": "S", "start": 4, "length": 8}]}]}`},
		{"duplicate name", `{"messages": [
			{"name": "X", "frame_id": 1, "length": 8, "signals": []},
			{"name": "X", "frame_id": 2, "length": 8, "signals": []}]}`},
		{"duplicate frame id", `{"messages": [
			{"name": "X", "frame_id": 1, "length": 8, "signals": []},
			{"name": "Y", "frame_id": 1, "length": 8, "signals": []}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestSignalHelpers(t *testing.T) {
	sig := Signal{Name: "Gear", Length: 4, Choices: []Choice{
		{Value: 0, Name: "Neutral"},
		{Value: 1, Name: "Drive"},
	}}

	name, ok := sig.ChoiceName(1)
	require.True(t, ok)
	assert.Equal(t, "Drive", name)
	_, ok = sig.ChoiceName(9)
	assert.False(t, ok)

	assert.Equal(t, uint64(15), sig.RawMax())
	assert.False(t, sig.HasRange())

	signed := Signal{Length: 8, IsSigned: true}
	assert.Equal(t, uint64(127), signed.RawMax())
}

func TestStoreReplace(t *testing.T) {
	st := NewStore()
	_, ok := st.Active()
	assert.False(t, ok)

	s, err := Load([]byte(sampleDoc))
	require.NoError(t, err)
	st.Replace(s)

	active, ok := st.Active()
	require.True(t, ok)
	assert.Same(t, s, active)
}
