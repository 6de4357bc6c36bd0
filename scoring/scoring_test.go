package scoring

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/oracle"
)

func f64(v float64) *float64 {
	return &v
}

func pick(p oracle.SignOption) *oracle.SignOption {
	return &p
}

// entryWithTimestamp builds an entry whose ID embeds the given millisecond
// timestamp, so tiebreaker behavior is deterministic.
func entryWithTimestamp(t *testing.T, ms uint64,
	choices []oracle.WeatherChoices) *compdb.Entry {

	t.Helper()

	var id uuid.UUID
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	return &compdb.Entry{ID: id, Choices: choices}
}

func TestScoreOption(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		forecast    *float64
		observation *float64
		pick        oracle.SignOption
		want        int
	}{
		{
			name:        "under hit",
			forecast:    f64(60),
			observation: f64(50),
			pick:        oracle.Under,
			want:        10,
		},
		{
			name:        "under miss",
			forecast:    f64(60),
			observation: f64(50),
			pick:        oracle.Over,
			want:        0,
		},
		{
			name:        "over hit",
			forecast:    f64(60),
			observation: f64(70),
			pick:        oracle.Over,
			want:        10,
		},
		{
			name:        "par hit pays double",
			forecast:    f64(60),
			observation: f64(60),
			pick:        oracle.Par,
			want:        20,
		},
		{
			name:        "par miss",
			forecast:    f64(60),
			observation: f64(60),
			pick:        oracle.Over,
			want:        0,
		},
		{
			name:        "missing forecast",
			observation: f64(60),
			pick:        oracle.Over,
			want:        0,
		},
		{
			name:     "missing observation",
			forecast: f64(60),
			pick:     oracle.Over,
			want:     0,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got := ScoreOption(
				test.forecast, test.observation, test.pick,
			)
			require.Equal(t, test.want, got)
		})
	}
}

// TestScoreEntriesIsPure asserts the same inputs produce the same output
// across invocations.
func TestScoreEntriesIsPure(t *testing.T) {
	t.Parallel()

	choices := []oracle.WeatherChoices{{
		Stations:  "KSEA",
		WindSpeed: pick(oracle.Over),
		TempHigh:  pick(oracle.Par),
	}}

	entries := []*compdb.Entry{
		entryWithTimestamp(t, 1000, choices),
	}
	forecasts := map[string]oracle.Forecast{
		"KSEA": {StationID: "KSEA", WindSpeed: f64(10), TempHigh: f64(70)},
	}
	observations := map[string]oracle.Observation{
		"KSEA": {StationID: "KSEA", WindSpeed: f64(15), TempHigh: f64(70)},
	}

	first := ScoreEntries(entries, forecasts, observations)
	second := ScoreEntries(entries, forecasts, observations)

	require.Equal(t, first, second)
	require.Len(t, first, 1)
	require.Equal(t, 30, first[0].RawScore)
}

// TestScoringTiebreaker asserts that among equal raw scores the earlier
// entry ranks first, including the all-zero raw score case.
func TestScoringTiebreaker(t *testing.T) {
	t.Parallel()

	choices := []oracle.WeatherChoices{{
		Stations:  "KSEA",
		WindSpeed: pick(oracle.Over),
	}}

	early := entryWithTimestamp(t, 100, choices)
	late := entryWithTimestamp(t, 200, choices)

	// No data at all: both entries score zero raw points.
	scored := ScoreEntries(
		[]*compdb.Entry{late, early}, nil, nil,
	)
	require.Len(t, scored, 2)

	require.Equal(t, 0, scored[0].RawScore)
	require.Equal(t, 0, scored[1].RawScore)

	// The earlier entry wins the tie.
	require.Equal(t, early.ID, scored[0].EntryID)
	require.Equal(t, late.ID, scored[1].EntryID)
	require.Greater(t, scored[0].FinalScore, scored[1].FinalScore)
}

// TestFinalScoreFloor asserts zero raw scores still produce positive,
// distinct final scores.
func TestFinalScoreFloor(t *testing.T) {
	t.Parallel()

	early := entryWithTimestamp(t, 100, nil)
	late := entryWithTimestamp(t, 200, nil)

	earlyScore := FinalScore(early.ID, 0)
	lateScore := FinalScore(late.ID, 0)

	require.EqualValues(t, 10000-100, earlyScore)
	require.EqualValues(t, 10000-200, lateScore)
	require.Greater(t, earlyScore, lateScore)
}

// TestMissingStationScoresZero asserts a pick against a station with no
// data contributes nothing.
func TestMissingStationScoresZero(t *testing.T) {
	t.Parallel()

	choices := []oracle.WeatherChoices{{
		Stations:  "KUNKNOWN",
		WindSpeed: pick(oracle.Over),
	}}
	entry := entryWithTimestamp(t, 1, choices)

	forecasts := map[string]oracle.Forecast{
		"KSEA": {StationID: "KSEA", WindSpeed: f64(10)},
	}

	scored := ScoreEntries([]*compdb.Entry{entry}, forecasts, nil)
	require.Len(t, scored, 1)
	require.Equal(t, 0, scored[0].RawScore)
}
