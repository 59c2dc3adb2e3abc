// Package twin implements the Digital Twin Runtime.
//
// A Digital Twin groups references to Digital Replicas and names the
// services that may be invoked on it. Invoking a service loads the current
// record of every member (a fresh snapshot per call, never cached) and
// passes it to the service implementation together with the caller's
// parameters. Services only read.
//
// The built-in TemperaturePrediction service ranks a twin's rooms for a
// bottle:
//
//	rt := twin.NewRuntime(records, services)
//	id, _ := rt.CreateTwin(ctx, "Cellar", "winery storage")
//	_ = rt.AddMember(ctx, id, "room", roomID)
//	_ = rt.AddMember(ctx, id, "bottle", bottleID)
//	_ = rt.AddService(ctx, id, twin.TemperaturePredictionName)
//	res, err := rt.Invoke(ctx, id, twin.TemperaturePredictionName,
//	    map[string]any{"bottle_id": bottleID})
package twin
