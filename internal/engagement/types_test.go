package engagement

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidTransition(t *testing.T) {
	allowed := []struct{ from, to MilestoneState }{
		{MilestonePending, MilestoneFunded},
		{MilestonePending, MilestoneDisputed},
		{MilestoneFunded, MilestoneReleased},
		{MilestoneFunded, MilestoneDisputed},
	}
	for _, tc := range allowed {
		require.True(t, ValidTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	states := []MilestoneState{MilestonePending, MilestoneFunded, MilestoneReleased, MilestoneDisputed}
	allowedSet := map[[2]MilestoneState]bool{}
	for _, tc := range allowed {
		allowedSet[[2]MilestoneState{tc.from, tc.to}] = true
	}
	for _, from := range states {
		for _, to := range states {
			if allowedSet[[2]MilestoneState{from, to}] {
				continue
			}
			require.False(t, ValidTransition(from, to), "%s -> %s should be rejected", from, to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	require.True(t, MilestoneReleased.Terminal())
	require.True(t, MilestoneDisputed.Terminal())
	require.False(t, MilestonePending.Terminal())
	require.False(t, MilestoneFunded.Terminal())
}

func TestParseMilestoneState(t *testing.T) {
	got, err := ParseMilestoneState("  Funded ")
	require.NoError(t, err)
	require.Equal(t, MilestoneFunded, got)

	_, err = ParseMilestoneState("paid")
	require.Error(t, err)
}

func TestContractValidate(t *testing.T) {
	valid := func() *Contract {
		return &Contract{
			ID:              "c-1",
			JobID:           "job-1",
			BidID:           "bid-1",
			ContractAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
			Milestones: []Milestone{
				{Description: "design", AmountWei: big.NewInt(100), Deadline: 2_000_000_000, State: MilestonePending},
				{Description: "build", AmountWei: big.NewInt(150), Deadline: 2_000_000_000, State: MilestonePending},
			},
			TotalWei: big.NewInt(250),
		}
	}

	require.NoError(t, valid().Validate())

	c := valid()
	c.TotalWei = big.NewInt(300)
	require.ErrorIs(t, c.Validate(), ErrInvalidRecord)

	c = valid()
	c.JobID = ""
	require.ErrorIs(t, c.Validate(), ErrInvalidRecord)

	c = valid()
	c.ContractAddress = "bogus"
	require.ErrorIs(t, c.Validate(), ErrInvalidRecord)

	c = valid()
	c.Milestones[0].State = "paid"
	require.ErrorIs(t, c.Validate(), ErrInvalidRecord)
}

func TestContractCloneIsDeep(t *testing.T) {
	original := &Contract{
		ID:              "c-1",
		JobID:           "job-1",
		BidID:           "bid-1",
		ContractAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		Milestones:      []Milestone{{Description: "design", AmountWei: big.NewInt(100), Deadline: 2_000_000_000, State: MilestonePending}},
		TotalWei:        big.NewInt(100),
	}
	clone := original.Clone()
	clone.Milestones[0].State = MilestoneFunded
	clone.TotalWei.SetInt64(999)

	require.Equal(t, MilestonePending, original.Milestones[0].State)
	require.Equal(t, int64(100), original.TotalWei.Int64())
}
