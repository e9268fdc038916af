package arbiter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/dialogd/dialog/cache"
	"github.com/hrygo/dialogd/dialog/classifier"
	"github.com/hrygo/dialogd/dialog/registry"
	"github.com/hrygo/dialogd/internal/profile"
	"github.com/hrygo/dialogd/store"
	"github.com/hrygo/dialogd/store/teststore"
)

var testThresholds = Thresholds{
	GlobalFloor:   0.4,
	TransferFloor: 0.6,
	AmbiguityGap:  0.1,
	TransferGap:   0.15,
}

func testSnapshot(t *testing.T) *registry.Snapshot {
	t.Helper()
	d := teststore.New()
	d.Intents = []*store.IntentDef{
		{ID: 1, Name: "book_flight", DisplayName: "订机票", Priority: 10, Threshold: 0.7, Active: true},
		{ID: 2, Name: "book_train", DisplayName: "订火车票", Priority: 8, Threshold: 0.7, Active: true},
		{ID: 3, Name: "check_weather", DisplayName: "查天气", Priority: 5, Threshold: 0.6, Active: true},
		{ID: 4, Name: "cancel_current", DisplayName: "取消", Priority: 20, Threshold: 0.5, CancelIntent: true, Active: true},
	}
	reg, err := registry.New(store.New(d, &profile.Profile{}), cache.NewLayer(cache.Config{}))
	require.NoError(t, err)
	require.NoError(t, reg.Load(context.Background()))
	return reg.Snapshot()
}

func strPtr(s string) *string { return &s }

func TestDecideIntent(t *testing.T) {
	snap := testSnapshot(t)

	tests := []struct {
		name    string
		cands   []classifier.Candidate
		current *string
		want    Kind
		intent  string
	}{
		{
			name: "empty candidates fall back",
			want: Fallback,
		},
		{
			name:  "below global floor falls back",
			cands: []classifier.Candidate{{Intent: "book_flight", Score: 0.3}},
			want:  Fallback,
		},
		{
			name:   "clear single candidate adopts",
			cands:  []classifier.Candidate{{Intent: "book_flight", Score: 0.85}, {Intent: "book_train", Score: 0.4}},
			want:   Continue,
			intent: "book_flight",
		},
		{
			name:  "near tie above floor disambiguates",
			cands: []classifier.Candidate{{Intent: "book_flight", Score: 0.62}, {Intent: "book_train", Score: 0.58}},
			want:  Disambiguate,
		},
		{
			name:  "near tie with second below floor does not disambiguate",
			cands: []classifier.Candidate{{Intent: "check_weather", Score: 0.62}, {Intent: "book_train", Score: 0.35}},
			want:  Continue,
		},
		{
			name:    "top equals current continues",
			cands:   []classifier.Candidate{{Intent: "book_flight", Score: 0.75}},
			current: strPtr("book_flight"),
			want:    Continue,
			intent:  "book_flight",
		},
		{
			name:    "strong different intent switches",
			cands:   []classifier.Candidate{{Intent: "check_weather", Score: 0.8}, {Intent: "book_flight", Score: 0.45}},
			current: strPtr("book_flight"),
			want:    Switch,
			intent:  "check_weather",
		},
		{
			name:    "weak different intent stays on current",
			cands:   []classifier.Candidate{{Intent: "check_weather", Score: 0.5}},
			current: strPtr("book_flight"),
			want:    Continue,
			intent:  "book_flight",
		},
		{
			name:    "cancel intent wins over continuation",
			cands:   []classifier.Candidate{{Intent: "cancel_current", Score: 0.9}},
			current: strPtr("book_flight"),
			want:    Cancel,
			intent:  "cancel_current",
		},
		{
			name:   "above floor but below intent threshold falls back",
			cands:  []classifier.Candidate{{Intent: "book_flight", Score: 0.55}},
			want:   Fallback,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := DecideIntent(snap, tc.cands, tc.current, testThresholds)
			require.Equal(t, tc.want, got.Kind)
			if tc.intent != "" {
				require.Equal(t, tc.intent, got.Intent)
			}
		})
	}
}

func TestDisambiguateCandidateList(t *testing.T) {
	snap := testSnapshot(t)
	cands := []classifier.Candidate{
		{Intent: "book_flight", Score: 0.6},
		{Intent: "book_train", Score: 0.55},
		{Intent: "check_weather", Score: 0.52},
		{Intent: "cancel_current", Score: 0.5},
	}
	got := DecideIntent(snap, cands, nil, testThresholds)
	require.Equal(t, Disambiguate, got.Kind)
	require.Len(t, got.Candidates, 3)
	require.Less(t, got.Candidates[0].Score-got.Candidates[1].Score, testThresholds.AmbiguityGap)
}

func TestSwitchRequiresBothBars(t *testing.T) {
	snap := testSnapshot(t)
	current := strPtr("book_flight")

	// Meets the transfer floor but not the gap.
	got := DecideIntent(snap, []classifier.Candidate{
		{Intent: "check_weather", Score: 0.65},
		{Intent: "book_train", Score: 0.54},
	}, current, testThresholds)
	require.Equal(t, Continue, got.Kind)
	require.Equal(t, "book_flight", got.Intent)

	// Meets the gap but not the transfer floor.
	got = DecideIntent(snap, []classifier.Candidate{
		{Intent: "check_weather", Score: 0.55},
		{Intent: "book_train", Score: 0.1},
	}, current, testThresholds)
	require.Equal(t, Continue, got.Kind)
}

func TestDecideSlots(t *testing.T) {
	got := DecideSlots("book_flight", []string{"departure_date"}, "", "")
	require.Equal(t, SlotPrompt, got.Kind)
	require.Equal(t, "departure_date", got.PromptSlot)

	got = DecideSlots("book_flight", nil, "return_date", "返程日期必须晚于出发日期")
	require.Equal(t, SlotPrompt, got.Kind)
	require.Equal(t, "return_date", got.PromptSlot)
	require.Equal(t, "返程日期必须晚于出发日期", got.InvalidMessage)

	got = DecideSlots("book_flight", nil, "", "")
	require.Equal(t, Dispatch, got.Kind)
	require.Equal(t, "book_flight", got.Intent)
}
