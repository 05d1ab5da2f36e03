package device

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Commands understood by installation firmware.
const (
	CmdRun               = "RUN"
	CmdStop              = "STOP"
	CmdResetTimeLimit    = "RESET_TL"
	CmdResetBackup       = "RESET_BK"
	CmdResetRB           = "RESET_RB"
	CmdSetPressurePrefix = "SET_PRESSURE_TARGET:"
)

// Protocol tokens.
const (
	MsgIdentify  = "ID_SUPPLICANT"
	MsgGetInfo   = "GET_INFO"
	MsgNoUpdate  = "NO_UPDATE"
	MsgNoUpdate2 = "NU"
	MsgAck       = "OK"
)

// Command is pending instruction for one device.
// Seq is assigned by command queue and identifies this exact command,
// so acknowledging stale copy can not delete newer one.
type Command struct {
	IMEI      string    `cbor:"1,keyasint" json:"imei"`
	Text      string    `cbor:"2,keyasint" json:"command"`
	Seq       uint64    `cbor:"3,keyasint" json:"seq"`
	CreatedAt time.Time `cbor:"4,keyasint" json:"created_at"`
}

func (c *Command) String() string {
	return fmt.Sprintf("(imei=%s seq=%d text=%s)", c.IMEI, c.Seq, c.Text)
}

func SetPressureTarget(bar int) string {
	return fmt.Sprintf("%s %d", CmdSetPressurePrefix, bar)
}

// ValidCommand checks text against firmware command vocabulary.
// Protocol engine treats command text as opaque, this is for enqueue paths.
func ValidCommand(text string) error {
	switch text {
	case CmdRun, CmdStop, CmdResetTimeLimit, CmdResetBackup, CmdResetRB:
		return nil
	}
	if strings.HasPrefix(text, CmdSetPressurePrefix) {
		arg := strings.TrimSpace(strings.TrimPrefix(text, CmdSetPressurePrefix))
		if _, err := strconv.Atoi(arg); err != nil {
			return errors.NotValidf("command=%q pressure target", text)
		}
		return nil
	}
	return errors.NotValidf("command=%q", text)
}
