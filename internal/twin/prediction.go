package twin

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/nerrad567/replica-core/internal/schema"
	"github.com/nerrad567/replica-core/internal/store"
)

// TemperaturePredictionName is the service name of TemperaturePrediction.
const TemperaturePredictionName = "TemperaturePredictionService"

// TemperaturePrediction ranks a twin's rooms by how close their current
// temperature is to a bottle's optimal storage temperature.
//
// Params: bottle_id (string, required).
//
// Each room with a numeric current temperature t scores
// 1 / (1 + |t - optimal|), so an exact match scores 1.0 and the score falls
// with distance. Rooms are sorted by score, highest first, with ties kept
// in membership order.
type TemperaturePrediction struct {
	BottleType string
	RoomType   string
}

// NewTemperaturePrediction returns the service for "bottle" and "room"
// members.
func NewTemperaturePrediction() *TemperaturePrediction {
	return &TemperaturePrediction{BottleType: "bottle", RoomType: "room"}
}

// Prediction is the result of TemperaturePrediction.
type Prediction struct {
	BottleID           string      `json:"bottle_id"`
	BottleName         string      `json:"bottle_name"`
	OptimalTemperature float64     `json:"optimal_temperature"`
	BestRoom           *RoomScore  `json:"best_room"`
	AllRoomScores      []RoomScore `json:"all_room_scores"`
}

// RoomScore is one candidate room.
type RoomScore struct {
	RoomID                string  `json:"room_id"`
	RoomName              string  `json:"room_name"`
	CurrentTemperature    float64 `json:"current_temperature"`
	TemperatureDifference float64 `json:"temperature_difference"`
	Score                 float64 `json:"score"`
}

// Name implements Service.
func (s *TemperaturePrediction) Name() string {
	return TemperaturePredictionName
}

// Execute implements Service. It returns a *Prediction.
func (s *TemperaturePrediction) Execute(_ context.Context, snap Snapshot, params map[string]any) (any, error) {
	bottleID, _ := params["bottle_id"].(string)
	if bottleID == "" {
		return nil, fmt.Errorf("%w: bottle_id is required", ErrInvalidParams)
	}

	var bottle store.Document
	for _, doc := range snap.OfType(s.BottleType) {
		if doc["_id"] == bottleID {
			bottle = doc
			break
		}
	}
	if bottle == nil {
		return nil, fmt.Errorf("%w: %s", ErrBottleNotFound, bottleID)
	}

	optimal, ok := optimalTemperature(bottle)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoOptimalTemperature, bottleID)
	}

	scores := []RoomScore{}
	for _, room := range snap.OfType(s.RoomType) {
		current, ok := currentTemperature(room)
		if !ok {
			continue
		}
		diff := math.Abs(current - optimal)
		id, _ := room["_id"].(string)
		scores = append(scores, RoomScore{
			RoomID:                id,
			RoomName:              profileString(room, "name"),
			CurrentTemperature:    current,
			TemperatureDifference: diff,
			Score:                 1 / (1 + diff),
		})
	}
	slices.SortStableFunc(scores, func(a, b RoomScore) int {
		return cmp.Compare(b.Score, a.Score)
	})

	p := &Prediction{
		BottleID:           bottleID,
		BottleName:         profileString(bottle, "name"),
		OptimalTemperature: optimal,
		AllRoomScores:      scores,
	}
	if len(scores) > 0 {
		best := scores[0]
		p.BestRoom = &best
	}
	return p, nil
}

// optimalTemperature reads data.optimal_temperature, falling back to
// profile.optimal_temperature.
func optimalTemperature(bottle store.Document) (float64, bool) {
	for _, section := range []string{"data", "profile"} {
		m, _ := bottle[section].(map[string]any)
		if v, ok := m["optimal_temperature"]; ok {
			if f, ok := schema.Numeric(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// currentTemperature reads data.temperature, falling back to the latest
// temperature measurement.
func currentTemperature(room store.Document) (float64, bool) {
	data, _ := room["data"].(map[string]any)
	if f, ok := schema.Numeric(data["temperature"]); ok {
		return f, true
	}

	measurements, _ := data["measurements"].([]any)
	for i := len(measurements) - 1; i >= 0; i-- {
		m, _ := measurements[i].(map[string]any)
		if m["measure_type"] != "temperature" {
			continue
		}
		if f, ok := schema.Numeric(m["value"]); ok {
			return f, true
		}
	}
	return 0, false
}

func profileString(doc store.Document, key string) string {
	profile, _ := doc["profile"].(map[string]any)
	s, _ := profile[key].(string)
	return s
}
