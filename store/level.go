package store

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cpxlink/cpxd/device"
	"github.com/juju/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	prefixDevice  = "dev/"
	prefixCommand = "cmd/"
	keySeq        = "meta/seq"
)

// Level stores each record under its own key, values are CBOR.
type Level struct {
	// serializes read-modify-write, leveldb itself is thread-safe
	mu     sync.Mutex
	db     *leveldb.DB
	dbWOpt opt.WriteOptions
	now    func() time.Time
}

var _ Store = &Level{}

func OpenLevel(path string) (*Level, error) {
	o := &opt.Options{
		NoWriteMerge: true,
		Strict:       opt.StrictJournalChecksum | opt.StrictBlockChecksum,
	}
	var db *leveldb.DB
	var err error
	if path == OnlyForTesting {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), o)
	} else {
		db, err = leveldb.RecoverFile(path, o)
	}
	if err != nil {
		return nil, errors.Annotate(err, "leveldb open")
	}
	s := &Level{
		db:     db,
		dbWOpt: opt.WriteOptions{NoWriteMerge: true, Sync: true},
		now:    utcNow,
	}
	return s, nil
}

func (s *Level) Close() error { return s.db.Close() }

func (s *Level) UpsertOnline(imei string) (device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	d, err := s.getDevice(imei)
	switch {
	case errors.IsNotFound(err):
		d = device.New(imei, now)
	case err != nil:
		return device.Device{}, err
	}
	d.Online = true
	d.LastSeen = now
	if err = s.putDevice(&d); err != nil {
		return device.Device{}, err
	}
	return d, nil
}

func (s *Level) MergeUpdate(imei string, patch device.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.getDevice(imei)
	if err != nil {
		return err
	}
	patch.Apply(&d)
	d.LastSeen = s.now()
	return s.putDevice(&d)
}

func (s *Level) SetOffline(imei string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.getDevice(imei)
	if err != nil {
		return err
	}
	if !d.Online {
		return nil
	}
	d.Online = false
	return s.putDevice(&d)
}

func (s *Level) ResetAllOffline() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.listDevices()
	if err != nil {
		return 0, err
	}
	batch := new(leveldb.Batch)
	for i := range list {
		d := &list[i]
		if !d.Online {
			continue
		}
		d.Online = false
		b, err := marshal(d)
		if err != nil {
			return 0, errors.Annotatef(err, "encode imei=%s", d.IMEI)
		}
		batch.Put([]byte(prefixDevice+d.IMEI), b)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err = s.db.Write(batch, &s.dbWOpt); err != nil {
		return 0, errors.Annotate(err, "leveldb write")
	}
	return batch.Len(), nil
}

func (s *Level) Get(imei string) (device.Device, error) {
	return s.getDevice(imei)
}

func (s *Level) List() ([]device.Device, error) {
	return s.listDevices()
}

func (s *Level) Enqueue(imei, text string) (device.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.getCommand(imei)
	if err != nil {
		return device.Command{}, err
	}
	if cur != nil {
		return device.Command{}, pending(cur)
	}
	seq, err := s.getSeq()
	if err != nil {
		return device.Command{}, err
	}
	cmd := device.Command{IMEI: imei, Text: text, Seq: seq + 1, CreatedAt: s.now()}
	b, err := marshal(&cmd)
	if err != nil {
		return device.Command{}, errors.Annotatef(err, "encode command imei=%s", imei)
	}
	var seqb [8]byte
	binary.BigEndian.PutUint64(seqb[:], cmd.Seq)
	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixCommand+imei), b)
	batch.Put([]byte(keySeq), seqb[:])
	if err = s.db.Write(batch, &s.dbWOpt); err != nil {
		return device.Command{}, errors.Annotate(err, "leveldb write")
	}
	return cmd, nil
}

func (s *Level) Peek(imei string) (*device.Command, error) {
	return s.getCommand(imei)
}

func (s *Level) Delete(cmd device.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.getCommand(cmd.IMEI)
	if err != nil {
		return err
	}
	if cur == nil || cur.Seq != cmd.Seq {
		return nil
	}
	err = s.db.Delete([]byte(prefixCommand+cmd.IMEI), &s.dbWOpt)
	return errors.Annotate(err, "leveldb delete")
}

func (s *Level) Pending() ([]device.Command, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixCommand)), nil)
	defer iter.Release()
	list := make([]device.Command, 0)
	for iter.Next() {
		var c device.Command
		if err := unmarshal(iter.Value(), &c); err != nil {
			return nil, errors.Annotatef(err, "decode key=%s", iter.Key())
		}
		list = append(list, c)
	}
	return list, errors.Annotate(iter.Error(), "leveldb iterate")
}

func (s *Level) getDevice(imei string) (device.Device, error) {
	var d device.Device
	b, err := s.db.Get([]byte(prefixDevice+imei), nil)
	if err == leveldb.ErrNotFound {
		return d, notFound(imei)
	} else if err != nil {
		return d, errors.Annotate(err, "leveldb get")
	}
	err = unmarshal(b, &d)
	return d, errors.Annotatef(err, "decode device imei=%s", imei)
}

func (s *Level) putDevice(d *device.Device) error {
	b, err := marshal(d)
	if err != nil {
		return errors.Annotatef(err, "encode device imei=%s", d.IMEI)
	}
	err = s.db.Put([]byte(prefixDevice+d.IMEI), b, &s.dbWOpt)
	return errors.Annotate(err, "leveldb put")
}

// listDevices is ordered by IMEI, same as key order.
func (s *Level) listDevices() ([]device.Device, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixDevice)), nil)
	defer iter.Release()
	list := make([]device.Device, 0)
	for iter.Next() {
		var d device.Device
		if err := unmarshal(iter.Value(), &d); err != nil {
			return nil, errors.Annotatef(err, "decode key=%s", iter.Key())
		}
		list = append(list, d)
	}
	return list, errors.Annotate(iter.Error(), "leveldb iterate")
}

func (s *Level) getCommand(imei string) (*device.Command, error) {
	b, err := s.db.Get([]byte(prefixCommand+imei), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "leveldb get")
	}
	var c device.Command
	if err = unmarshal(b, &c); err != nil {
		return nil, errors.Annotatef(err, "decode command imei=%s", imei)
	}
	return &c, nil
}

func (s *Level) getSeq() (uint64, error) {
	b, err := s.db.Get([]byte(keySeq), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	} else if err != nil {
		return 0, errors.Annotate(err, "leveldb get")
	}
	if len(b) != 8 {
		return 0, errors.NotValidf("stored seq len=%d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
