package mqtt

import "fmt"

// Topic kinds in the telemetry grammar.
const (
	KindRFID        = "rfid"
	KindVitals      = "vitals"
	KindTemperature = "temperature"

	// PatientSegment is the literal second segment of vitals topics.
	PatientSegment = "patient"
)

// Topics builds telemetry topics under a configurable root segment.
//
//	topics := mqtt.Topics{Root: "hospital"}
//	topics.RFID("3", "301")            // hospital/3/301/rfid
//	topics.Vitals("p-17", "heart_rate") // hospital/patient/p-17/vitals/heart_rate
type Topics struct {
	Root string
}

// RFIDFilter matches badge reads from any room: <root>/+/+/rfid
func (t Topics) RFIDFilter() string {
	return fmt.Sprintf("%s/+/+/%s", t.Root, KindRFID)
}

// VitalsFilter matches every vital reading of every patient: <root>/patient/+/vitals/#
func (t Topics) VitalsFilter() string {
	return fmt.Sprintf("%s/%s/+/%s/#", t.Root, PatientSegment, KindVitals)
}

// TemperatureFilter matches room temperature readings: <root>/+/+/temperature
func (t Topics) TemperatureFilter() string {
	return fmt.Sprintf("%s/+/+/%s", t.Root, KindTemperature)
}

// RFID returns the badge-read topic for a room.
func (t Topics) RFID(floor, room string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Root, floor, room, KindRFID)
}

// Vitals returns the topic for one vital sign of one patient.
func (t Topics) Vitals(patientID, vital string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", t.Root, PatientSegment, patientID, KindVitals, vital)
}

// Temperature returns the temperature topic for a room.
func (t Topics) Temperature(floor, room string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Root, floor, room, KindTemperature)
}
