// Package scoring ranks competition entries against the oracle's forecasts
// and observations. Scoring is a pure function of its inputs: the same
// entries, forecasts and observations always produce the same ranking. Ties
// on raw score break toward the earlier entry, using the millisecond
// timestamp embedded in the entry's time-ordered ID.
package scoring

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/ids"
	"github.com/5day4cast/coordinator/oracle"
)

const (
	// underOverPoints is awarded for a correct directional pick.
	underOverPoints = 10

	// parPoints is awarded for a correct exact-match pick.
	parPoints = 20

	// tiebreakerModulus bounds the timestamp tiebreaker so it can never
	// overcome a full point of raw score.
	tiebreakerModulus = 10000
)

// MetricScore records how a single pick fared against the data.
type MetricScore struct {
	Pick        oracle.SignOption
	Forecast    *float64
	Observation *float64
	Score       int
}

// StationScore groups the metric scores of one station within an entry.
type StationScore struct {
	StationID string
	WindSpeed *MetricScore
	TempHigh  *MetricScore
	TempLow   *MetricScore
}

// ScoredEntry is one ranked entry.
type ScoredEntry struct {
	EntryID  uuid.UUID
	RawScore int

	// FinalScore folds the timestamp tiebreaker into the raw score;
	// ranking is descending by this value.
	FinalScore int64

	Stations []StationScore
}

// ScoreOption scores a single pick against its forecast and observation.
// Missing data on either side scores zero.
func ScoreOption(forecast, observation *float64, pick oracle.SignOption) int {
	if forecast == nil || observation == nil {
		return 0
	}

	switch {
	case *observation < *forecast:
		if pick == oracle.Under {
			return underOverPoints
		}

	case math.Abs(*observation-*forecast) < 1e-9:
		if pick == oracle.Par {
			return parPoints
		}

	default:
		if pick == oracle.Over {
			return underOverPoints
		}
	}

	return 0
}

// FinalScore folds the entry's creation timestamp into its raw score.
// Earlier entries lose less, so among equal raw scores the earliest entry
// ranks first. The floor keeps zero-score entries strictly ordered too.
func FinalScore(entryID uuid.UUID, rawScore int) int64 {
	base := int64(rawScore) * tiebreakerModulus
	if base < tiebreakerModulus {
		base = tiebreakerModulus
	}

	tiebreaker := int64(ids.TimestampMillis(entryID) % tiebreakerModulus)

	return base - tiebreaker
}

// ScoreEntries scores and ranks a full entry set. The returned slice is
// ordered by descending final score.
func ScoreEntries(entries []*compdb.Entry,
	forecasts map[string]oracle.Forecast,
	observations map[string]oracle.Observation) []ScoredEntry {

	scored := make([]ScoredEntry, 0, len(entries))

	for _, entry := range entries {
		result := ScoredEntry{EntryID: entry.ID}

		for _, choice := range entry.Choices {
			var (
				forecast    *oracle.Forecast
				observation *oracle.Observation
			)
			if f, ok := forecasts[choice.Stations]; ok {
				forecast = &f
			}
			if o, ok := observations[choice.Stations]; ok {
				observation = &o
			}

			station := StationScore{StationID: choice.Stations}

			if choice.WindSpeed != nil {
				station.WindSpeed = scoreMetric(
					forecastWind(forecast),
					observationWind(observation),
					*choice.WindSpeed, &result.RawScore,
				)
			}
			if choice.TempHigh != nil {
				station.TempHigh = scoreMetric(
					forecastHigh(forecast),
					observationHigh(observation),
					*choice.TempHigh, &result.RawScore,
				)
			}
			if choice.TempLow != nil {
				station.TempLow = scoreMetric(
					forecastLow(forecast),
					observationLow(observation),
					*choice.TempLow, &result.RawScore,
				)
			}

			result.Stations = append(result.Stations, station)
		}

		result.FinalScore = FinalScore(entry.ID, result.RawScore)
		scored = append(scored, result)
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].FinalScore > scored[j].FinalScore
	})

	return scored
}

func scoreMetric(forecast, observation *float64, pick oracle.SignOption,
	total *int) *MetricScore {

	score := ScoreOption(forecast, observation, pick)
	*total += score

	return &MetricScore{
		Pick:        pick,
		Forecast:    forecast,
		Observation: observation,
		Score:       score,
	}
}

func forecastWind(f *oracle.Forecast) *float64 {
	if f == nil {
		return nil
	}
	return f.WindSpeed
}

func forecastHigh(f *oracle.Forecast) *float64 {
	if f == nil {
		return nil
	}
	return f.TempHigh
}

func forecastLow(f *oracle.Forecast) *float64 {
	if f == nil {
		return nil
	}
	return f.TempLow
}

func observationWind(o *oracle.Observation) *float64 {
	if o == nil {
		return nil
	}
	return o.WindSpeed
}

func observationHigh(o *oracle.Observation) *float64 {
	if o == nil {
		return nil
	}
	return o.TempHigh
}

func observationLow(o *oracle.Observation) *float64 {
	if o == nil {
		return nil
	}
	return o.TempLow
}
