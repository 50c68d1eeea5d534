package mirror

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestDecimalCodecKeepsExactAmounts(t *testing.T) {
	reg := NewRegistry()
	in := Donation{ID: "d1", Amount: decimal.RequireFromString("0.000000000000000001")}

	data, err := bson.MarshalWithRegistry(reg, in)
	require.NoError(t, err)

	raw := bson.Raw(data)
	assert.Equal(t, bson.TypeDecimal128, raw.Lookup("amount").Type)

	var out Donation
	require.NoError(t, bson.UnmarshalWithRegistry(reg, data, &out))
	assert.True(t, in.Amount.Equal(out.Amount), out.Amount.String())
}

func TestDecimalCodecReadsLegacyNumbers(t *testing.T) {
	reg := NewRegistry()
	data, err := bson.Marshal(bson.M{"id": "d1", "amount": int64(42)})
	require.NoError(t, err)

	var out Donation
	require.NoError(t, bson.UnmarshalWithRegistry(reg, data, &out))
	assert.True(t, out.Amount.Equal(decimal.NewFromInt(42)))

	data, err = bson.Marshal(bson.M{"id": "d1", "amount": "12.5"})
	require.NoError(t, err)
	require.NoError(t, bson.UnmarshalWithRegistry(reg, data, &out))
	assert.True(t, out.Amount.Equal(decimal.RequireFromString("12.5")))
}
