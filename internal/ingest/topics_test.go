package ingest

import (
	"errors"
	"testing"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		want    route
		wantErr bool
	}{
		{"rfid", "hospital/-1/C001/rfid", route{kind: "rfid", floor: -1, room: "C001"}, false},
		{"temperature", "hospital/2/201/temperature", route{kind: "temperature", floor: 2, room: "201"}, false},
		{"vitals", "hospital/patient/P42/vitals/heart_rate", route{kind: "vitals", patientID: "P42", vital: "heart_rate"}, false},
		{"wrong root", "winery/1/101/rfid", route{}, true},
		{"too few segments", "hospital/1/rfid", route{}, true},
		{"too many rfid segments", "hospital/1/101/x/rfid", route{}, true},
		{"non integer floor", "hospital/first/101/rfid", route{}, true},
		{"empty room", "hospital/1//rfid", route{}, true},
		{"vitals without patient segment", "hospital/doctor/P42/vitals/heart_rate", route{}, true},
		{"vitals without type", "hospital/patient/P42/vitals", route{}, true},
		{"nested vitals", "hospital/patient/P42/vitals/bp/systolic", route{}, true},
		{"unknown kind", "hospital/1/101/humidity", route{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTopic("hospital", tt.topic)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedTopic) {
					t.Fatalf("parseTopic() error = %v, want ErrMalformedTopic", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTopic() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseTopic() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseReading(t *testing.T) {
	tests := []struct {
		payload string
		want    float64
		wantErr bool
	}{
		{"72.5", 72.5, false},
		{" 13 \n", 13, false},
		{"-4.25", -4.25, false},
		{"", 0, true},
		{"warm", 0, true},
		{"NaN", 0, true},
		{"+Inf", 0, true},
		{`{"value": 1}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := parseReading([]byte(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedPayload) {
					t.Fatalf("parseReading() error = %v, want ErrMalformedPayload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseReading() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseReading() = %v, want %v", got, tt.want)
			}
		})
	}
}
