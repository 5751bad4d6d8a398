package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/TeamOpenSmartGlasses/AugmentOS-sub000/errors"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/types"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    types.Category
		wantErr bool
	}{
		{"transcripts", "transcripts", types.CategoryTranscripts, false},
		{"locations", "locations", types.CategoryLocations, false},
		{"case and whitespace normalized", "  Insights ", types.CategoryInsights, false},
		{"unknown category", "telemetry", "", true},
		{"empty", "", "", true},
		{"wildcard is not a category", "*", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := types.ParseCategory(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, pkgerrors.ErrInvalidCategory)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCategoriesCoverParse(t *testing.T) {
	for _, c := range types.Categories() {
		parsed, err := types.ParseCategory(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
}

func TestRetentionPolicies(t *testing.T) {
	assert.Equal(t, types.RetentionSlidingWindow, types.CategoryLocations.Retention())
	assert.Equal(t, types.RetentionInbox, types.CategoryTranscripts.Retention())
	assert.Equal(t, types.RetentionInbox, types.CategoryInsights.Retention())
}

func TestSubscribedTo(t *testing.T) {
	reg := types.AppRegistration{Subscriptions: []string{"transcripts"}}
	assert.True(t, reg.SubscribedTo("transcripts"))
	assert.False(t, reg.SubscribedTo("locations"))

	wild := types.AppRegistration{Subscriptions: []string{types.TopicWildcard}}
	assert.True(t, wild.SubscribedTo("transcripts"))
	assert.True(t, wild.SubscribedTo("locations"))

	none := types.AppRegistration{}
	assert.False(t, none.SubscribedTo("transcripts"))
}
