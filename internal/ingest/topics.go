package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nerrad567/replica-core/internal/infrastructure/mqtt"
)

// route is a parsed telemetry topic.
type route struct {
	kind string

	// floor and room identify the room for rfid and temperature topics.
	floor int
	room  string

	// patientID and vital identify the reading for vitals topics.
	patientID string
	vital     string
}

// parseTopic matches topic against the three telemetry grammars:
//
//	<root>/<floor>/<room>/rfid
//	<root>/patient/<patient-id>/vitals/<vital>
//	<root>/<floor>/<room>/temperature
//
// Anything else, including a non-integer floor, is ErrMalformedTopic.
func parseTopic(root, topic string) (route, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != root {
		return route{}, fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}

	switch {
	case len(parts) == 4 && (parts[3] == mqtt.KindRFID || parts[3] == mqtt.KindTemperature):
		floor, err := strconv.Atoi(parts[1])
		if err != nil {
			return route{}, fmt.Errorf("%w: floor %q is not an integer", ErrMalformedTopic, parts[1])
		}
		if parts[2] == "" {
			return route{}, fmt.Errorf("%w: empty room number in %q", ErrMalformedTopic, topic)
		}
		return route{kind: parts[3], floor: floor, room: parts[2]}, nil

	case len(parts) == 5 && parts[1] == mqtt.PatientSegment && parts[3] == mqtt.KindVitals:
		if parts[2] == "" || parts[4] == "" {
			return route{}, fmt.Errorf("%w: empty segment in %q", ErrMalformedTopic, topic)
		}
		return route{kind: mqtt.KindVitals, patientID: parts[2], vital: parts[4]}, nil

	default:
		return route{}, fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
}

// parseReading decodes a text-encoded numeric payload such as "72.5".
func parseReading(payload []byte) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformedPayload, payload)
	}
	return v, nil
}
