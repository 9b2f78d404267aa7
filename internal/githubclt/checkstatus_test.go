package githubclt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOverallStatus_optionalFailedChecksAreIgnored(t *testing.T) {
	rollup := CheckRollup{
		Statuses: []*CIJobStatus{
			{
				Name:     "optional_check",
				Status:   CIStatusFailure,
				Required: false,
			},
			{
				Name:     "required_check",
				Status:   CIStatusSuccess,
				Required: true,
			},
		},
	}

	require.Equal(t, CIStatusSuccess, rollup.OverallStatus(nil))
}

func TestOverallStatus_optionalPendingChecksAreHonored(t *testing.T) {
	rollup := CheckRollup{
		Statuses: []*CIJobStatus{
			{
				Name:     "optional_check",
				Status:   CIStatusPending,
				Required: false,
			},
			{
				Name:     "required_check",
				Status:   CIStatusSuccess,
				Required: true,
			},
		},
	}

	require.Equal(t, CIStatusPending, rollup.OverallStatus(nil))
}

func TestOverallStatus_requiredFailedCheck(t *testing.T) {
	rollup := CheckRollup{
		Statuses: []*CIJobStatus{
			{
				Name:     "optional_check",
				Status:   CIStatusPending,
				Required: false,
			},
			{
				Name:     "required_check",
				Status:   CIStatusFailure,
				Required: true,
			},
			{
				Name:     "another_required_check",
				Status:   CIStatusSuccess,
				Required: true,
			},
		},
	}

	require.Equal(t, CIStatusFailure, rollup.OverallStatus(nil))
}

func TestRequiredStatus_optionalPendingChecksAreIgnored(t *testing.T) {
	rollup := CheckRollup{
		Statuses: []*CIJobStatus{
			{
				Name:     "optional_check",
				Status:   CIStatusPending,
				Required: false,
			},
			{
				Name:     "required_check",
				Status:   CIStatusSuccess,
				Required: true,
			},
		},
	}

	require.Equal(t, CIStatusSuccess, rollup.RequiredStatus(nil))
}

func TestRequiredStatus_ignoredChecksDoNotBlock(t *testing.T) {
	ignored := map[string]struct{}{"required_flaky_check": {}}

	rollup := CheckRollup{
		Statuses: []*CIJobStatus{
			{
				Name:     "required_flaky_check",
				Status:   CIStatusFailure,
				Required: true,
			},
			{
				Name:     "required_check",
				Status:   CIStatusSuccess,
				Required: true,
			},
		},
	}

	require.Equal(t, CIStatusSuccess, rollup.RequiredStatus(ignored))
	require.Nil(t, rollup.FirstUnsuccessfulRequired(ignored))
}

func TestFirstUnsuccessfulRequired(t *testing.T) {
	rollup := CheckRollup{
		Statuses: []*CIJobStatus{
			{
				Name:     "optional_check",
				Status:   CIStatusFailure,
				Required: false,
			},
			{
				Name:     "required_check",
				Status:   CIStatusPending,
				Required: true,
			},
		},
	}

	unsuccessful := rollup.FirstUnsuccessfulRequired(nil)
	require.NotNil(t, unsuccessful)
	require.Equal(t, "required_check", unsuccessful.Name)
}
