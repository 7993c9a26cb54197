package tollbooth

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEther(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0.001", "1000000000000000"},
		{"0.0015", "1500000000000000"},
		{"1", "1000000000000000000"},
		{".5", "500000000000000000"},
		{"2.000000000000000001", "2000000000000000001"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEther(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseEther_Invalid(t *testing.T) {
	for _, in := range []string{"", "-1", "abc", "0.0000000000000000001", "1.2.3"} {
		_, err := ParseEther(in)
		assert.Error(t, err, in)
	}
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0.001", FormatEther(big.NewInt(1_000_000_000_000_000)))
	assert.Equal(t, "0.0015", FormatEther(big.NewInt(1_500_000_000_000_000)))
	assert.Equal(t, "1", FormatEther(new(big.Int).Set(weiPerEther)))
	assert.Equal(t, "0", FormatEther(nil))
	assert.Equal(t, "-0.5", FormatEther(big.NewInt(-500_000_000_000_000_000)))
}

func TestTable_Lookup(t *testing.T) {
	table, err := NewTable(DefaultBooths(), "TB001")
	require.NoError(t, err)

	booth, found := table.Lookup("TB002")
	assert.True(t, found)
	assert.Equal(t, "Mumbai-Pune Expressway - Exit", booth.Name)
	assert.Equal(t, "0.0015", booth.FeeDisplay())
}

func TestTable_Lookup_UnknownFallsBackToDefault(t *testing.T) {
	table, err := NewTable(DefaultBooths(), "TB001")
	require.NoError(t, err)

	for _, id := range []string{"", "TB999", "tb001"} {
		booth, found := table.Lookup(id)
		assert.False(t, found)
		assert.Equal(t, "TB001", booth.ID)
		assert.Equal(t, "1000000000000000", booth.FeeBaseUnits.String())
	}
}

func TestTable_LookupReturnsCopy(t *testing.T) {
	table, err := NewTable(DefaultBooths(), "TB001")
	require.NoError(t, err)

	booth, _ := table.Lookup("TB001")
	booth.FeeBaseUnits.SetInt64(0)

	again, _ := table.Lookup("TB001")
	assert.Equal(t, "1000000000000000", again.FeeBaseUnits.String())
}

func TestNewTable_Validation(t *testing.T) {
	_, err := NewTable(nil, "TB001")
	assert.Error(t, err)

	_, err = NewTable(DefaultBooths(), "TB999")
	assert.Error(t, err)

	dup := append(DefaultBooths(), Booth{ID: "TB001", Name: "again", FeeBaseUnits: big.NewInt(1)})
	_, err = NewTable(dup, "TB001")
	assert.Error(t, err)
}

func TestTable_All(t *testing.T) {
	table, err := NewTable(DefaultBooths(), "TB001")
	require.NoError(t, err)

	all := table.All()
	require.Len(t, all, 4)
	assert.Equal(t, "TB001", all[0].ID)
	assert.Equal(t, "TB004", all[3].ID)
}
