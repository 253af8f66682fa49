package files

import (
	"math/big"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"merkledrop/core/claims"
	"merkledrop/core/cumulative"
	"merkledrop/core/distribution"
)

var token = common.HexToAddress("0x00000000000000000000000000000000000000ee")

func input(amount int64) *claims.DistributionInput {
	return &claims.DistributionInput{
		ChainID:          10,
		WindowIndex:      3,
		AggregateRewards: []claims.AggregateReward{{Token: token, Amount: big.NewInt(amount)}},
		Recipients: []claims.Recipient{{
			Address:      common.HexToAddress("0x0000000000000000000000000000000000000abc"),
			AccountIndex: 0,
			WindowIndex:  3,
			Rewards:      []claims.Reward{{Token: token, Amount: big.NewInt(amount)}},
		}},
	}
}

func TestInputRoundTripAndClasses(t *testing.T) {
	store := New(t.TempDir())
	require.NoError(t, store.WriteInput("2024-03", "usdc", input(5)))
	require.NoError(t, store.WriteInput("2024-03", "op", input(7)))

	classes, err := store.Classes("2024-03")
	require.NoError(t, err)
	require.Equal(t, []claims.TokenClass{"op", "usdc"}, classes)

	got, err := store.ReadInput("2024-03", "op")
	require.NoError(t, err)
	require.Equal(t, uint64(10), got.ChainID)
	require.Zero(t, got.Recipients[0].Rewards[0].Amount.Cmp(big.NewInt(7)))

	_, err = store.ReadInput("2024-04", "op")
	require.ErrorIs(t, err, ErrNotFound)

	none, err := store.Classes("1999-01")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestDistributorsAreImmutable(t *testing.T) {
	store := New(t.TempDir())
	d, err := distribution.Build(input(5), "usdc")
	require.NoError(t, err)

	first, err := store.WriteDistributor("2024-03", d)
	require.NoError(t, err)
	onDisk, err := os.ReadFile(store.DistributorPath("2024-03", "usdc"))
	require.NoError(t, err)
	require.Equal(t, first, onDisk)

	second, err := store.WriteDistributor("2024-03", d)
	require.NoError(t, err)
	require.Equal(t, first, second)

	changed, err := distribution.Build(input(6), "usdc")
	require.NoError(t, err)
	_, err = store.WriteDistributor("2024-03", changed)
	require.ErrorIs(t, err, ErrImmutable)
	require.ErrorIs(t, store.CheckDistributor("2024-03", changed), ErrImmutable)
	require.NoError(t, store.CheckDistributor("2024-03", d))
	require.NoError(t, store.CheckDistributor("2024-04", changed))

	loaded, err := store.ReadDistributor("2024-03", "usdc")
	require.NoError(t, err)
	require.Equal(t, d.Root, loaded.Root)
	require.Equal(t, claims.TokenClass("usdc"), loaded.Class)
	require.NoError(t, distribution.Validate(loaded, distribution.Diagnostic))

	_, err = store.ReadDistributor("2024-03", "weth")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCumulativeFile(t *testing.T) {
	store := New(t.TempDir())
	empty, err := store.ReadCumulative()
	require.NoError(t, err)
	require.Empty(t, empty)

	d, err := distribution.Build(input(5), "usdc")
	require.NoError(t, err)
	idx := cumulative.Combine("2024-03", map[claims.TokenClass]*claims.Distributor{"usdc": d}, empty)
	written, err := store.WriteCumulative(idx)
	require.NoError(t, err)

	loaded, err := store.ReadCumulative()
	require.NoError(t, err)
	require.Equal(t, idx, loaded)
	reencoded, err := cumulative.Encode(loaded)
	require.NoError(t, err)
	require.Equal(t, written, reencoded)

	entries, err := os.ReadDir(store.Root() + "/cumulative")
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}
