package store

import (
	"sort"
	"sync"
	"time"

	"github.com/cpxlink/cpxd/device"
	"github.com/cpxlink/cpxd/log2"
	"github.com/juju/errors"
)

// Memory keeps everything in maps.
// With persist, every mutation is written to snapshot before it is visible;
// failed write rolls mutation back.
type Memory struct {
	mu       sync.Mutex
	devices  map[string]device.Device
	commands map[string]device.Command
	seq      uint64
	persist  *Persist
	lock     *dirLock
	now      func() time.Time
}

var _ Store = &Memory{}

func NewMemory() *Memory {
	return &Memory{
		devices:  make(map[string]device.Device),
		commands: make(map[string]device.Command),
		now:      utcNow,
	}
}

// NewMemoryPersist loads snapshot from dir if present.
// dir is locked until Close, second open fails with AlreadyExists.
func NewMemoryPersist(dir string, log *log2.Log) (*Memory, error) {
	m := NewMemory()
	p, err := NewPersist(dir, memoryState{m}, log)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if m.lock, err = lockDir(dir); err != nil {
		return nil, errors.Trace(err)
	}
	if err = p.Load(); err != nil && !errors.IsNotFound(err) {
		_ = m.lock.unlock()
		return nil, errors.Trace(err)
	}
	m.persist = p
	log.Debugf("store memory loaded devices=%d commands=%d", len(m.devices), len(m.commands))
	return m, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lock.unlock()
}

func (m *Memory) UpsertOnline(imei string) (device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	prev, ok := m.devices[imei]
	d := prev
	if !ok {
		d = device.New(imei, now)
	}
	d.Online = true
	d.LastSeen = now
	m.devices[imei] = d
	err := m.commit(func() {
		if ok {
			m.devices[imei] = prev
		} else {
			delete(m.devices, imei)
		}
	})
	return d, err
}

func (m *Memory) MergeUpdate(imei string, patch device.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.devices[imei]
	if !ok {
		return notFound(imei)
	}
	d := prev
	patch.Apply(&d)
	d.LastSeen = m.now()
	m.devices[imei] = d
	return m.commit(func() { m.devices[imei] = prev })
}

func (m *Memory) SetOffline(imei string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.devices[imei]
	if !ok {
		return notFound(imei)
	}
	if !prev.Online {
		return nil
	}
	d := prev
	d.Online = false
	m.devices[imei] = d
	return m.commit(func() { m.devices[imei] = prev })
}

func (m *Memory) ResetAllOffline() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := make([]string, 0, len(m.devices))
	for imei, d := range m.devices {
		if d.Online {
			d.Online = false
			m.devices[imei] = d
			changed = append(changed, imei)
		}
	}
	if len(changed) == 0 {
		return 0, nil
	}
	err := m.commit(func() {
		for _, imei := range changed {
			d := m.devices[imei]
			d.Online = true
			m.devices[imei] = d
		}
	})
	if err != nil {
		return 0, err
	}
	return len(changed), nil
}

func (m *Memory) Get(imei string) (device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[imei]
	if !ok {
		return device.Device{}, notFound(imei)
	}
	return d, nil
}

func (m *Memory) List() ([]device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(), nil
}

func (m *Memory) Enqueue(imei, text string) (device.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.commands[imei]; ok {
		return device.Command{}, pending(&cur)
	}
	m.seq++
	cmd := device.Command{IMEI: imei, Text: text, Seq: m.seq, CreatedAt: m.now()}
	m.commands[imei] = cmd
	err := m.commit(func() {
		delete(m.commands, imei)
		m.seq--
	})
	if err != nil {
		return device.Command{}, err
	}
	return cmd, nil
}

func (m *Memory) Peek(imei string) (*device.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[imei]
	if !ok {
		return nil, nil
	}
	return &cmd, nil
}

func (m *Memory) Delete(cmd device.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.commands[cmd.IMEI]
	if !ok || cur.Seq != cmd.Seq {
		return nil
	}
	delete(m.commands, cmd.IMEI)
	return m.commit(func() { m.commands[cmd.IMEI] = cur })
}

func (m *Memory) Pending() ([]device.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked(), nil
}

func (m *Memory) listLocked() []device.Device {
	list := make([]device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].IMEI < list[j].IMEI })
	return list
}

func (m *Memory) pendingLocked() []device.Command {
	list := make([]device.Command, 0, len(m.commands))
	for _, c := range m.commands {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].IMEI < list[j].IMEI })
	return list
}

// commit must be called with mu held
func (m *Memory) commit(undo func()) error {
	if m.persist == nil {
		return nil
	}
	if err := m.persist.Store(); err != nil {
		undo()
		return errors.Trace(err)
	}
	return nil
}

type snapshot struct {
	Devices  []device.Device  `cbor:"1,keyasint"`
	Commands []device.Command `cbor:"2,keyasint"`
	Seq      uint64           `cbor:"3,keyasint"`
}

// memoryState is Stater over Memory, caller holds Memory.mu or owns it exclusively.
type memoryState struct{ m *Memory }

func (s memoryState) MarshalBinary() ([]byte, error) {
	return marshal(snapshot{
		Devices:  s.m.listLocked(),
		Commands: s.m.pendingLocked(),
		Seq:      s.m.seq,
	})
}

func (s memoryState) UnmarshalBinary(b []byte) error {
	var snap snapshot
	if err := unmarshal(b, &snap); err != nil {
		return errors.Annotate(err, "snapshot decode")
	}
	s.m.devices = make(map[string]device.Device, len(snap.Devices))
	for _, d := range snap.Devices {
		s.m.devices[d.IMEI] = d
	}
	s.m.commands = make(map[string]device.Command, len(snap.Commands))
	for _, c := range snap.Commands {
		s.m.commands[c.IMEI] = c
	}
	s.m.seq = snap.Seq
	return nil
}
