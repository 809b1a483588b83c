// Package temperature provides a reference decoder for simple LoRa-class
// temperature sensors reporting a raw register value and a battery level.
package temperature

import (
	"context"
	"encoding/json"
	"math"

	"github.com/c360/devicehub/decoder"
	"github.com/c360/devicehub/errors"
)

// DeviceModel is the device model handled by this decoder.
const DeviceModel = "TempSensor"

type uplink struct {
	DeviceEUI    string         `json:"deviceEUI"`
	Register55   *float64       `json:"register55"`
	BatteryLevel *float64       `json:"batteryLevel"`
	Metadata     map[string]any `json:"metadata"`
	Invalid      bool           `json:"invalid"`
}

// Decoder decodes TempSensor uplinks. The sensor reports temperature in
// register 55 (degrees Celsius) and battery as a 0..1 ratio, normalized to
// a 0..100 percentage.
type Decoder struct{}

// New creates a temperature decoder.
func New() *Decoder {
	return &Decoder{}
}

// DeviceModel implements decoder.Decoder.
func (d *Decoder) DeviceModel() string {
	return DeviceModel
}

// Measures implements decoder.Decoder.
func (d *Decoder) Measures() []decoder.MeasureSlot {
	return []decoder.MeasureSlot{
		{Name: "temperature", Type: "temperature"},
		{Name: "battery", Type: "battery"},
	}
}

// Validate implements decoder.Decoder. A payload without a device EUI is a
// precondition error; a payload flagged invalid by the sensor is skipped.
func (d *Decoder) Validate(_ context.Context, raw json.RawMessage) (bool, error) {
	var u uplink
	if err := json.Unmarshal(raw, &u); err != nil {
		return false, errors.Wrap(err, "TemperatureDecoder", "Validate", "payload parsing")
	}
	if u.DeviceEUI == "" {
		return false, decoder.NewPreconditionError("deviceEUI", "missing device identifier")
	}
	if u.Invalid {
		return false, nil
	}
	return true, nil
}

// Decode implements decoder.Decoder.
func (d *Decoder) Decode(_ context.Context, raw json.RawMessage, acc *decoder.Accumulator) error {
	var u uplink
	if err := json.Unmarshal(raw, &u); err != nil {
		return errors.Wrap(err, "TemperatureDecoder", "Decode", "payload parsing")
	}

	now := nowMillis()
	if u.Register55 != nil {
		acc.AddMeasurement(u.DeviceEUI, "temperature", now, map[string]any{
			"temperature": *u.Register55,
		})
	}
	if u.BatteryLevel != nil {
		acc.AddMeasurement(u.DeviceEUI, "battery", now, map[string]any{
			"battery": math.Round(*u.BatteryLevel * 100),
		})
	}
	if len(u.Metadata) > 0 {
		acc.MergeMetadata(u.DeviceEUI, u.Metadata)
	}
	return nil
}
