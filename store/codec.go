package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Records are stored as CBOR with integer keys, see device.Device tags.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("code error cbor enc mode err=%v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("code error cbor dec mode err=%v", err))
	}
}

func marshal(v interface{}) ([]byte, error)   { return encMode.Marshal(v) }
func unmarshal(b []byte, v interface{}) error { return decMode.Unmarshal(b, v) }
