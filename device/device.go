// Package device holds the installation record reported by field devices,
// the identity format they present in the handshake and the command vocabulary.
package device

import (
	"fmt"
	"time"
)

// MinIdentityLen is IMEI length, shorter tokens are rejected.
const MinIdentityLen = 15

var ErrInvalidIdentity = fmt.Errorf("invalid identity")

// ValidIdentity reports whether s is only decimal digits and at least MinIdentityLen long.
// Checksum is not verified.
func ValidIdentity(s string) bool {
	if len(s) < MinIdentityLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Device is one installation known to the registry.
// Field names follow telemetry payload keys, see fields.go.
type Device struct {
	IMEI   string `cbor:"1,keyasint" json:"imei"`
	Online bool   `cbor:"2,keyasint" json:"online"`

	InstallationCode      string `cbor:"10,keyasint" json:"installation_code"`
	InletPressure         int    `cbor:"11,keyasint" json:"inlet_pressure"`
	InletTemperature      int    `cbor:"12,keyasint" json:"inlet_temperature"`
	OutletPressure        int    `cbor:"13,keyasint" json:"outlet_pressure"`
	OutletPressureTarget  int    `cbor:"14,keyasint" json:"outlet_pressure_target"`
	WorkingHoursCounter   int    `cbor:"15,keyasint" json:"working_hours_counter"`
	WorkingMinutesCounter int    `cbor:"16,keyasint" json:"working_minutes_counter"`
	AntiDrip              bool   `cbor:"17,keyasint" json:"anti_drip"`
	StartCode             string `cbor:"18,keyasint" json:"start_code"`
	Alarms                string `cbor:"19,keyasint" json:"alarms"` // JSON array of CAN node ids
	Speed                 int    `cbor:"20,keyasint" json:"speed"`
	BkService             bool   `cbor:"21,keyasint" json:"bk_service"`
	TlService             bool   `cbor:"22,keyasint" json:"tl_service"`
	RbService             bool   `cbor:"23,keyasint" json:"rb_service"`
	Run                   bool   `cbor:"24,keyasint" json:"run"`
	Running               bool   `cbor:"25,keyasint" json:"running"`

	CreatedAt time.Time `cbor:"30,keyasint" json:"created_at"`
	LastSeen  time.Time `cbor:"31,keyasint" json:"last_seen"`
}

// New returns record with installation defaults.
func New(imei string, now time.Time) Device {
	return Device{
		IMEI:             imei,
		InstallationCode: "default",
		StartCode:        "0x0000",
		Alarms:           "[]",
		CreatedAt:        now,
		LastSeen:         now,
	}
}

func (d *Device) String() string {
	return fmt.Sprintf("(imei=%s online=%t)", d.IMEI, d.Online)
}
