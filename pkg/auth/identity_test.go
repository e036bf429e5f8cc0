package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naos-labs/spine/pkg/auth"
	"github.com/naos-labs/spine/pkg/proposal"
)

func TestIdentityAuthor(t *testing.T) {
	caller := auth.Identity{Role: "creator", Model: "sonnet"}

	for name, tc := range map[string]struct {
		id       auth.Identity
		supplied *proposal.Author
		want     proposal.Author
		err      error
	}{
		"defaults to caller": {id: caller, want: proposal.Author{Role: "creator", Model: "sonnet"}},
		"matching author keeps request id": {
			id:       caller,
			supplied: &proposal.Author{Role: "creator", Model: "sonnet", RequestID: "req-1"},
			want:     proposal.Author{Role: "creator", Model: "sonnet", RequestID: "req-1"},
		},
		"partial author filled from caller": {
			id:       caller,
			supplied: &proposal.Author{Model: "sonnet"},
			want:     proposal.Author{Role: "creator", Model: "sonnet"},
		},
		"other role":       {id: caller, supplied: &proposal.Author{Role: "automation_service"}, err: auth.ErrAuthorMismatch},
		"other model":      {id: caller, supplied: &proposal.Author{Role: "creator", Model: "opus"}, err: auth.ErrAuthorMismatch},
		"role only caller": {id: auth.Identity{Role: "creator"}, err: auth.ErrAuthorIncomplete},
		"model claimed by role only caller": {
			id:       auth.Identity{Role: "creator"},
			supplied: &proposal.Author{Role: "creator", Model: "sonnet"},
			err:      auth.ErrAuthorMismatch,
		},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := tc.id.Author(tc.supplied)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
