package twin

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/nerrad567/replica-core/internal/store"
)

func room(id, name string, data map[string]any) store.Document {
	return store.Document{
		"_id":     id,
		"type":    "room",
		"profile": map[string]any{"name": name},
		"data":    data,
	}
}

func bottle(id, name string, data, profile map[string]any) store.Document {
	if profile == nil {
		profile = map[string]any{}
	}
	profile["name"] = name
	return store.Document{
		"_id":     id,
		"type":    "bottle",
		"profile": profile,
		"data":    data,
	}
}

func predict(t *testing.T, members []store.Document, params map[string]any) (*Prediction, error) {
	t.Helper()
	res, err := NewTemperaturePrediction().Execute(context.Background(), Snapshot{Members: members}, params)
	if err != nil {
		return nil, err
	}
	p, ok := res.(*Prediction)
	if !ok {
		t.Fatalf("Execute() result = %T, want *Prediction", res)
	}
	return p, nil
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-3
}

func TestTemperaturePrediction_Scores(t *testing.T) {
	members := []store.Document{
		room("warm", "Warm room", map[string]any{"temperature": 20.0}),
		bottle("b-1", "Barolo 2019", map[string]any{"optimal_temperature": 14.0}, nil),
		room("cool", "Cool room", map[string]any{"temperature": 12.0}),
	}

	p, err := predict(t, members, map[string]any{"bottle_id": "b-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if p.BottleID != "b-1" || p.BottleName != "Barolo 2019" || p.OptimalTemperature != 14 {
		t.Errorf("prediction header = %+v", p)
	}
	if len(p.AllRoomScores) != 2 {
		t.Fatalf("len(AllRoomScores) = %d, want 2", len(p.AllRoomScores))
	}
	first, second := p.AllRoomScores[0], p.AllRoomScores[1]
	if first.RoomID != "cool" || !approx(first.Score, 0.333) || first.TemperatureDifference != 2 {
		t.Errorf("first = %+v, want cool room scoring 0.333", first)
	}
	if second.RoomID != "warm" || !approx(second.Score, 0.143) {
		t.Errorf("second = %+v, want warm room scoring 0.143", second)
	}
	if p.BestRoom == nil || p.BestRoom.RoomID != "cool" || p.BestRoom.RoomName != "Cool room" {
		t.Errorf("BestRoom = %+v, want cool room", p.BestRoom)
	}
}

func TestTemperaturePrediction_ExactMatchScoresOne(t *testing.T) {
	members := []store.Document{
		bottle("b-1", "Bottle", map[string]any{"optimal_temperature": 14.0}, nil),
		room("r", "Room", map[string]any{"temperature": 14.0}),
	}
	p, err := predict(t, members, map[string]any{"bottle_id": "b-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if p.BestRoom.Score != 1 {
		t.Errorf("Score = %v, want 1", p.BestRoom.Score)
	}
}

func TestTemperaturePrediction_Monotonic(t *testing.T) {
	temps := []float64{30, 14.5, -2, 14, 16, 9, 22.25}
	members := []store.Document{bottle("b", "B", map[string]any{"optimal_temperature": 14.0}, nil)}
	for i, temp := range temps {
		members = append(members, room(string(rune('a'+i)), "", map[string]any{"temperature": temp}))
	}

	p, err := predict(t, members, map[string]any{"bottle_id": "b"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for i := 1; i < len(p.AllRoomScores); i++ {
		prev, cur := p.AllRoomScores[i-1], p.AllRoomScores[i]
		if prev.Score < cur.Score {
			t.Errorf("scores not descending at %d: %v < %v", i, prev.Score, cur.Score)
		}
		if prev.TemperatureDifference > cur.TemperatureDifference {
			t.Errorf("closer room %s ranked below %s", cur.RoomID, prev.RoomID)
		}
	}
}

func TestTemperaturePrediction_TiesKeepMembershipOrder(t *testing.T) {
	members := []store.Document{
		bottle("b", "B", map[string]any{"optimal_temperature": 14.0}, nil),
		room("below", "", map[string]any{"temperature": 12.0}),
		room("above", "", map[string]any{"temperature": 16.0}),
		room("exact", "", map[string]any{"temperature": 14.0}),
	}
	p, err := predict(t, members, map[string]any{"bottle_id": "b"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var order []string
	for _, s := range p.AllRoomScores {
		order = append(order, s.RoomID)
	}
	if len(order) != 3 || order[0] != "exact" || order[1] != "below" || order[2] != "above" {
		t.Errorf("order = %v, want [exact below above]", order)
	}
}

func TestTemperaturePrediction_Fallbacks(t *testing.T) {
	members := []store.Document{
		bottle("b", "B", map[string]any{}, map[string]any{"optimal_temperature": 12.0}),
		room("measured", "", map[string]any{"measurements": []any{
			map[string]any{"measure_type": "temperature", "value": 18.0},
			map[string]any{"measure_type": "humidity", "value": 70.0},
			map[string]any{"measure_type": "temperature", "value": 13.0},
			map[string]any{"measure_type": "humidity", "value": 71.0},
		}}),
		room("unknown", "", map[string]any{"status": "active"}),
	}

	p, err := predict(t, members, map[string]any{"bottle_id": "b"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if p.OptimalTemperature != 12 {
		t.Errorf("OptimalTemperature = %v, want profile fallback 12", p.OptimalTemperature)
	}
	if len(p.AllRoomScores) != 1 {
		t.Fatalf("AllRoomScores = %+v, want only the measured room", p.AllRoomScores)
	}
	if got := p.AllRoomScores[0].CurrentTemperature; got != 13 {
		t.Errorf("CurrentTemperature = %v, want latest temperature measurement 13", got)
	}
}

func TestTemperaturePrediction_NoCandidates(t *testing.T) {
	members := []store.Document{bottle("b", "B", map[string]any{"optimal_temperature": 14.0}, nil)}
	p, err := predict(t, members, map[string]any{"bottle_id": "b"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if p.BestRoom != nil || len(p.AllRoomScores) != 0 || p.AllRoomScores == nil {
		t.Errorf("prediction = %+v, want no best room and an empty list", p)
	}
}

func TestTemperaturePrediction_Errors(t *testing.T) {
	members := []store.Document{
		bottle("b-1", "B", map[string]any{"optimal_temperature": 14.0}, nil),
		bottle("b-2", "No target", map[string]any{"optimal_temperature": "cold"}, nil),
		room("r-1", "", map[string]any{"temperature": 14.0}),
	}
	tests := []struct {
		name    string
		params  map[string]any
		wantErr error
	}{
		{"missing bottle_id", map[string]any{}, ErrInvalidParams},
		{"non string bottle_id", map[string]any{"bottle_id": 7}, ErrInvalidParams},
		{"unknown bottle", map[string]any{"bottle_id": "b-9"}, ErrBottleNotFound},
		{"room is not a bottle", map[string]any{"bottle_id": "r-1"}, ErrBottleNotFound},
		{"no optimal temperature", map[string]any{"bottle_id": "b-2"}, ErrNoOptimalTemperature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := predict(t, members, tt.params); !errors.Is(err, tt.wantErr) {
				t.Errorf("Execute() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
