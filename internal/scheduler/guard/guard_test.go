package guard

import (
	"testing"

	pipelinedomain "github.com/ottworks/telemetria/internal/pipeline/domain"
	"github.com/stretchr/testify/require"
)

func TestEnsureRunCanTransition(t *testing.T) {
	cases := []struct {
		name string
		from pipelinedomain.RunState
		to   pipelinedomain.RunState
		want error
	}{
		{"scheduled_to_ingest", pipelinedomain.RunStateScheduled, pipelinedomain.RunStateRunningIngest, nil},
		{"scheduled_to_failed", pipelinedomain.RunStateScheduled, pipelinedomain.RunStateFailed, nil},
		{"ingest_to_merge", pipelinedomain.RunStateRunningIngest, pipelinedomain.RunStateRunningMerge, nil},
		{"ingest_to_failed", pipelinedomain.RunStateRunningIngest, pipelinedomain.RunStateFailed, nil},
		{"merge_to_done", pipelinedomain.RunStateRunningMerge, pipelinedomain.RunStateDone, nil},
		{"merge_to_failed", pipelinedomain.RunStateRunningMerge, pipelinedomain.RunStateFailed, nil},

		{"scheduled_to_merge_skips_ingest", pipelinedomain.RunStateScheduled, pipelinedomain.RunStateRunningMerge, ErrInvalidTransition},
		{"scheduled_to_done", pipelinedomain.RunStateScheduled, pipelinedomain.RunStateDone, ErrInvalidTransition},
		{"ingest_to_done_skips_merge", pipelinedomain.RunStateRunningIngest, pipelinedomain.RunStateDone, ErrInvalidTransition},
		{"merge_back_to_ingest", pipelinedomain.RunStateRunningMerge, pipelinedomain.RunStateRunningIngest, ErrInvalidTransition},

		{"done_is_terminal", pipelinedomain.RunStateDone, pipelinedomain.RunStateRunningIngest, ErrRunFinished},
		{"failed_is_terminal", pipelinedomain.RunStateFailed, pipelinedomain.RunStateScheduled, ErrRunFinished},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := EnsureRunCanTransition(tc.from, tc.to)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}
