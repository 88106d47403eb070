package engine

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulBps(t *testing.T) {
	fee, err := MulBps(uint256.NewInt(10_000), 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), fee.Uint64())

	// truncates
	fee, err = MulBps(uint256.NewInt(199), 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), fee.Uint64())

	_, err = MulBps(uint256.NewInt(1), 10_001)
	require.ErrorIs(t, err, ErrInvalidFee)

	fee, err = MulBps(nil, 30)
	require.NoError(t, err)
	assert.True(t, fee.IsZero())
}

func TestDeductBps(t *testing.T) {
	net, err := DeductBps(uint256.NewInt(987), 5)
	require.NoError(t, err)
	// 987 * 9995 / 10000 = 986.5065
	assert.Equal(t, uint64(986), net.Uint64())

	net, err = DeductBps(uint256.NewInt(987), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(987), net.Uint64())
}

func TestSortAssets(t *testing.T) {
	a := Asset{0x02}
	b := Asset{0x01}
	lo, hi := SortAssets(a, b)
	assert.Equal(t, b, lo)
	assert.Equal(t, a, hi)

	lo2, hi2 := SortAssets(b, a)
	assert.Equal(t, lo, lo2)
	assert.Equal(t, hi, hi2)
}
