package link

import (
	"github.com/cpxlink/cpxd/log2"
	"github.com/cpxlink/cpxd/store"
	"github.com/juju/errors"
)

// Reconcile marks every device offline. No session survives process restart,
// so it must complete before Listen.
func Reconcile(r store.Registry, log *log2.Log) (int, error) {
	n, err := r.ResetAllOffline()
	if err != nil {
		return 0, errors.Annotate(err, "reconcile")
	}
	log.Infof("reconcile reset offline count=%d", n)
	return n, nil
}
