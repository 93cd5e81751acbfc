package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strokeguard/internal/models"
)

func TestDecodeHeartRateFrame_8Bit(t *testing.T) {
	// flags=0x10 (8 位心率 + RR), hr=72, rr=1024 (1000ms), rr=512 (500ms)
	r := DecodeHeartRateFrame([]byte{0x10, 72, 0x00, 0x04, 0x00, 0x02})
	require.NotNil(t, r.HeartRateBpm)
	assert.Equal(t, uint(72), *r.HeartRateBpm)
	assert.Equal(t, []float64{1000, 500}, r.RRIntervalsMs)
	assert.Nil(t, r.SpO2Percent)
}

func TestDecodeHeartRateFrame_16Bit(t *testing.T) {
	// flags=0x11, hr=0x012C (300), rr 从 byte 3 开始
	r := DecodeHeartRateFrame([]byte{0x11, 0x2C, 0x01, 0x00, 0x04})
	require.NotNil(t, r.HeartRateBpm)
	assert.Equal(t, uint(300), *r.HeartRateBpm)
	assert.Equal(t, []float64{1000}, r.RRIntervalsMs)
}

func TestDecodeHeartRateFrame_NoRRFlag(t *testing.T) {
	r := DecodeHeartRateFrame([]byte{0x00, 60, 0x00, 0x04})
	require.NotNil(t, r.HeartRateBpm)
	assert.Equal(t, uint(60), *r.HeartRateBpm)
	assert.Empty(t, r.RRIntervalsMs)
}

func TestDecodeHeartRateFrame_TrailingOddByte(t *testing.T) {
	r := DecodeHeartRateFrame([]byte{0x10, 70, 0x00, 0x04, 0x01})
	assert.Equal(t, []float64{1000}, r.RRIntervalsMs)
}

func TestDecodeHeartRateFrame_Malformed(t *testing.T) {
	assert.True(t, DecodeHeartRateFrame(nil).Empty())
	assert.True(t, DecodeHeartRateFrame([]byte{0x00}).Empty())
	assert.True(t, DecodeHeartRateFrame([]byte{0x01, 0x2C}).Empty())
}

func TestDecodeSpo2Frame(t *testing.T) {
	// mantissa=98, exponent=0
	v, ok := DecodeSpo2Frame([]byte{0x00, 98, 0x00})
	require.True(t, ok)
	assert.Equal(t, uint(98), v)

	// mantissa=980 (0x3D4), exponent nibble 0xE
	_, ok = DecodeSpo2Frame([]byte{0x00, 0xD4, 0xE3})
	assert.False(t, ok)

	// mantissa=0
	_, ok = DecodeSpo2Frame([]byte{0x00, 0x00, 0x00})
	assert.False(t, ok)

	// mantissa=101
	_, ok = DecodeSpo2Frame([]byte{0x00, 101, 0x00})
	assert.False(t, ok)

	// mantissa=10, exponent=1 → 100
	v, ok = DecodeSpo2Frame([]byte{0x00, 10, 0x10})
	require.True(t, ok)
	assert.Equal(t, uint(100), v)

	_, ok = DecodeSpo2Frame([]byte{0x00, 98})
	assert.False(t, ok)
}

func TestDecodeProprietaryHeartRate(t *testing.T) {
	cases := []struct {
		in   []byte
		want uint
		ok   bool
	}{
		{[]byte{0x00, 31}, 31, true},
		{[]byte{0x00, 249}, 249, true},
		{[]byte{0x00, 30}, 0, false},
		{[]byte{0x00, 250}, 0, false},
		{[]byte{0x00}, 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := DecodeProprietaryHeartRate(c.in)
		assert.Equal(t, c.ok, ok, "input %v", c.in)
		assert.Equal(t, c.want, got, "input %v", c.in)
	}
}

func TestDecode_Dispatch(t *testing.T) {
	r := Decode(models.RawNotification{Source: models.SourceStandardSpO2, Data: []byte{0x00, 97, 0x00}})
	require.NotNil(t, r.SpO2Percent)
	assert.Equal(t, uint(97), *r.SpO2Percent)
	assert.Nil(t, r.HeartRateBpm)

	r = Decode(models.RawNotification{Source: models.SourceProprietary, Characteristic: "0000fff4-0000-1000-8000-00805f9b34fb", Data: []byte{0xAA, 80}})
	require.NotNil(t, r.HeartRateBpm)
	assert.Equal(t, uint(80), *r.HeartRateBpm)

	assert.True(t, Decode(models.RawNotification{Source: models.SourceProprietary, Data: []byte{0x00, 5}}).Empty())
	assert.True(t, Decode(models.RawNotification{Source: models.NotificationSource(99), Data: []byte{1, 2, 3}}).Empty())
}
