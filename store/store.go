// Package store implements device registry and command queue.
// Sessions only ever see Registry and Commands interfaces,
// any backend satisfying them is acceptable.
package store

import (
	"time"

	"github.com/cpxlink/cpxd/device"
	"github.com/cpxlink/cpxd/log2"
	"github.com/juju/errors"
)

// Registry is device status and telemetry keyed by IMEI.
type Registry interface {
	// UpsertOnline creates record if absent, then sets online=true.
	UpsertOnline(imei string) (device.Device, error)
	// MergeUpdate overwrites only fields present in patch.
	MergeUpdate(imei string, patch device.Patch) error
	SetOffline(imei string) error
	// ResetAllOffline returns number of records changed.
	ResetAllOffline() (int, error)
	Get(imei string) (device.Device, error)
	List() ([]device.Device, error)
}

// Commands is queue of at most one pending command per IMEI.
type Commands interface {
	// Enqueue fails with AlreadyExists while another command is pending for imei.
	Enqueue(imei, text string) (device.Command, error)
	// Peek returns nil,nil when nothing is pending.
	Peek(imei string) (*device.Command, error)
	// Delete removes cmd only if it is still the pending one (same Seq).
	Delete(cmd device.Command) error
	Pending() ([]device.Command, error)
}

type Store interface {
	Registry
	Commands
	Close() error
}

const (
	DriverMemory  = "memory"
	DriverLevelDB = "leveldb"
)

// OnlyForTesting as leveldb path selects in-memory storage.
const OnlyForTesting = "\x00"

type Config struct {
	Driver string `hcl:"driver"`
	// memory: optional snapshot directory; leveldb: database directory
	Path string `hcl:"path"`
}

func Open(c Config, log *log2.Log) (Store, error) {
	switch c.Driver {
	case "", DriverMemory:
		if c.Path == "" {
			log.Infof("store driver=memory persist=off")
			return NewMemory(), nil
		}
		log.Infof("store driver=memory persist=%s", c.Path)
		s, err := NewMemoryPersist(c.Path, log)
		if err != nil {
			return nil, errors.Annotate(err, "store memory")
		}
		return s, nil

	case DriverLevelDB:
		if c.Path == "" {
			return nil, errors.NotValidf("store driver=leveldb path=empty")
		}
		log.Infof("store driver=leveldb path=%s", c.Path)
		s, err := OpenLevel(c.Path)
		if err != nil {
			return nil, errors.Annotate(err, "store leveldb")
		}
		return s, nil
	}
	return nil, errors.NotSupportedf("store driver=%s", c.Driver)
}

func utcNow() time.Time { return time.Now().UTC().Round(0) }

func notFound(imei string) error { return errors.NotFoundf("device imei=%s", imei) }
func pending(c *device.Command) error {
	return errors.AlreadyExistsf("pending command for imei=%s seq=%d", c.IMEI, c.Seq)
}
