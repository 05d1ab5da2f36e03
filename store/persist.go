package store

import (
	"encoding"
	"io"
	"sync"
	"time"

	"github.com/cpxlink/cpxd/log2"
	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Persist binds Stater to crash safe file storage.
type Persist struct {
	sync.Mutex
	log     *log2.Log
	dir     string
	target  Stater
	storage storage
}

func NewPersist(dir string, target Stater, log *log2.Log) (*Persist, error) {
	if dir == "" {
		return nil, errors.NotValidf("persist dir=empty")
	}
	if target == nil {
		panic("code error persist target nil")
	}
	p := &Persist{
		log:    log,
		dir:    dir,
		target: target,
		storage: extremofile.New(extremofile.Config{
			Dir:      dir,
			DirPerm:  0755,
			FilePerm: 0644,
		}),
	}
	return p, nil
}

// Load returns NotFound when storage is empty.
func (p *Persist) Load() error {
	p.Lock()
	defer p.Unlock()
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s read duration=%v", p.dir, time.Since(tbegin))
	if b == nil {
		if err == nil {
			return errors.NotFoundf("persist %s", p.dir)
		}
		return errors.Annotatef(err, "persist %s Load", p.dir)
	}
	if err != nil {
		p.log.Errorf("persist %s ignore non-critical storage err=%v", p.dir, err)
	}
	return errors.Annotatef(p.target.UnmarshalBinary(b), "persist %s Load", p.dir)
}

func (p *Persist) Store() error {
	p.Lock()
	defer p.Unlock()
	b, err := p.target.MarshalBinary()
	if err == nil {
		tbegin := time.Now()
		_, err = p.storage.Write(b)
		p.log.Debugf("persist %s write size=%d duration=%v", p.dir, len(b), time.Since(tbegin))
	}
	return errors.Annotatef(err, "persist %s Store", p.dir)
}
