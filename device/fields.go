package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/juju/errors"
)

var ErrMalformedTelemetry = fmt.Errorf("malformed telemetry")

type fieldKind uint8

const (
	kindInt fieldKind = iota + 1
	kindBool
	kindString
	kindAlarms
)

type fieldSpec struct {
	kind fieldKind
	i    func(*Device) *int
	b    func(*Device) *bool
	s    func(*Device) *string
}

func intField(f func(*Device) *int) fieldSpec       { return fieldSpec{kind: kindInt, i: f} }
func boolField(f func(*Device) *bool) fieldSpec     { return fieldSpec{kind: kindBool, b: f} }
func stringField(f func(*Device) *string) fieldSpec { return fieldSpec{kind: kindString, s: f} }

// Telemetry keys a device may update. Anything else in payload is ignored.
var fields = map[string]fieldSpec{
	"installation_code":       stringField(func(d *Device) *string { return &d.InstallationCode }),
	"inlet_pressure":          intField(func(d *Device) *int { return &d.InletPressure }),
	"inlet_temperature":       intField(func(d *Device) *int { return &d.InletTemperature }),
	"outlet_pressure":         intField(func(d *Device) *int { return &d.OutletPressure }),
	"outlet_pressure_target":  intField(func(d *Device) *int { return &d.OutletPressureTarget }),
	"working_hours_counter":   intField(func(d *Device) *int { return &d.WorkingHoursCounter }),
	"working_minutes_counter": intField(func(d *Device) *int { return &d.WorkingMinutesCounter }),
	"anti_drip":               boolField(func(d *Device) *bool { return &d.AntiDrip }),
	"start_code":              stringField(func(d *Device) *string { return &d.StartCode }),
	"alarms":                  {kind: kindAlarms, s: func(d *Device) *string { return &d.Alarms }},
	"speed":                   intField(func(d *Device) *int { return &d.Speed }),
	"bk_service":              boolField(func(d *Device) *bool { return &d.BkService }),
	"tl_service":              boolField(func(d *Device) *bool { return &d.TlService }),
	"rb_service":              boolField(func(d *Device) *bool { return &d.RbService }),
	"run":                     boolField(func(d *Device) *bool { return &d.Run }),
	"running":                 boolField(func(d *Device) *bool { return &d.Running }),
}

// FieldNames returns sorted telemetry keys.
func FieldNames() []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type fieldValue struct {
	i int
	b bool
	s string
}

// Patch is validated partial update of Device.
// Only keys present in telemetry payload are stored.
type Patch struct {
	values  map[string]fieldValue
	ignored []string
}

// ParsePatch decodes flat JSON object sent in reply to GET_INFO.
// Whole payload is rejected if any known key has wrong type.
func ParsePatch(b []byte) (Patch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Patch{}, errors.Annotatef(ErrMalformedTelemetry, "%v", err)
	}
	if raw == nil {
		return Patch{}, errors.Annotate(ErrMalformedTelemetry, "not an object")
	}
	p := Patch{values: make(map[string]fieldValue, len(raw))}
	for key, rv := range raw {
		spec, ok := fields[key]
		if !ok {
			p.ignored = append(p.ignored, key)
			continue
		}
		v, err := spec.decode(rv)
		if err != nil {
			return Patch{}, errors.Annotatef(ErrMalformedTelemetry, "field=%s %v", key, err)
		}
		p.values[key] = v
	}
	sort.Strings(p.ignored)
	return p, nil
}

// MustPatch is ParsePatch for literals in tests and tools.
func MustPatch(s string) Patch {
	p, err := ParsePatch([]byte(s))
	if err != nil {
		panic(err)
	}
	return p
}

func (p Patch) Empty() bool { return len(p.values) == 0 }

// Keys returns sorted names of fields this patch changes.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ignored returns sorted unknown or read-only keys found in payload.
func (p Patch) Ignored() []string { return p.ignored }

// Apply overwrites only fields present in p.
func (p Patch) Apply(d *Device) {
	for key, v := range p.values {
		spec := fields[key]
		switch spec.kind {
		case kindInt:
			*spec.i(d) = v.i
		case kindBool:
			*spec.b(d) = v.b
		case kindString, kindAlarms:
			*spec.s(d) = v.s
		}
	}
}

// Map returns changed fields with plain Go values, for events and logs.
func (p Patch) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(p.values))
	for key, v := range p.values {
		switch fields[key].kind {
		case kindInt:
			m[key] = v.i
		case kindBool:
			m[key] = v.b
		case kindString, kindAlarms:
			m[key] = v.s
		}
	}
	return m
}

var jsonNull = []byte("null")

func (spec fieldSpec) decode(rv json.RawMessage) (fieldValue, error) {
	var v fieldValue
	if bytes.Equal(bytes.TrimSpace(rv), jsonNull) {
		return v, fmt.Errorf("null value")
	}
	switch spec.kind {
	case kindInt:
		var n json.Number
		if err := json.Unmarshal(rv, &n); err != nil {
			return v, err
		}
		i, err := numberInt(n)
		if err != nil {
			return v, err
		}
		v.i = i

	case kindBool:
		if err := json.Unmarshal(rv, &v.b); err != nil {
			return v, err
		}

	case kindString:
		if err := json.Unmarshal(rv, &v.s); err != nil {
			return v, err
		}

	case kindAlarms:
		// list of CAN node ids, either inline array or array encoded in string
		src := []byte(rv)
		var s string
		if err := json.Unmarshal(rv, &s); err == nil {
			src = []byte(s)
		}
		var list []json.RawMessage
		if err := json.Unmarshal(src, &list); err != nil {
			return v, err
		}
		if list == nil {
			return v, fmt.Errorf("alarms must be array")
		}
		buf := bytes.NewBuffer(nil)
		if err := json.Compact(buf, src); err != nil {
			return v, err
		}
		v.s = buf.String()

	default:
		panic(fmt.Sprintf("code error unknown field kind=%d", spec.kind))
	}
	return v, nil
}

func numberInt(n json.Number) (int, error) {
	if i, err := n.Int64(); err == nil {
		if i > math.MaxInt32 || i < math.MinInt32 {
			return 0, fmt.Errorf("value=%s out of range", n)
		}
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("value=%s is not integer", n)
	}
	return int(f), nil
}
