package link_test

import (
	"testing"
	"time"

	"github.com/cpxlink/cpxd/device"
	"github.com/cpxlink/cpxd/events"
	"github.com/cpxlink/cpxd/link"
	"github.com/cpxlink/cpxd/log2"
	"github.com/cpxlink/cpxd/store"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTimeouts = link.Timeouts{
	Identify:  time.Second,
	Telemetry: time.Second,
	Ack:       time.Second,
	Tick:      10 * time.Millisecond,
}

type sessionEnv struct {
	st     *store.Memory
	events *eventLog
	dev    *testDevice
	done   chan error
}

func testSession(t testing.TB, st *store.Memory, timeouts link.Timeouts) *sessionEnv {
	server, client := testConnPair(t)
	log := log2.NewTest(t, log2.LDebug)
	env := &sessionEnv{
		st:     st,
		events: &eventLog{},
		dev:    newTestDevice(t, client),
		done:   make(chan error, 1),
	}
	ch := link.NewChannel(server, link.ChannelOptions{Log: log})
	sess := link.NewSession(ch, link.SessionOptions{
		Log:      log,
		Registry: st,
		Commands: st,
		Events:   env.events,
		Timeouts: timeouts,
	})
	go func() { env.done <- sess.Run() }()
	return env
}

func (env *sessionEnv) wait(t testing.TB) error {
	select {
	case err := <-env.done:
		require.Error(t, err)
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

func TestSessionCommandDelivery(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	_, err := st.Enqueue(testImei1, device.CmdRun)
	require.NoError(t, err)
	env := testSession(t, st, testTimeouts)
	defer env.dev.Close()

	env.dev.identify(testImei1)
	before, err := st.Get(testImei1)
	require.NoError(t, err)
	assert.True(t, before.Online)

	env.dev.send("NO_UPDATE")
	env.dev.expect("RUN")
	env.dev.send("OK")
	env.dev.expect("GET_INFO")
	cmd, err := st.Peek(testImei1)
	require.NoError(t, err)
	assert.Nil(t, cmd)
	after, err := st.Get(testImei1)
	require.NoError(t, err)
	assert.Equal(t, before, after, "NO_UPDATE must not change record")
	assert.Equal(t, int64(0), env.events.count(events.KindTelemetry))

	env.dev.Close()
	err = env.wait(t)
	assert.Equal(t, link.ErrPeerClosed, errors.Cause(err))
	d, err := st.Get(testImei1)
	require.NoError(t, err)
	assert.False(t, d.Online)
	assert.Equal(t, []events.Kind{events.KindOnline, events.KindCommand, events.KindOffline}, env.events.kinds())
}

func TestSessionAckMismatchKeepsCommand(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	text := device.SetPressureTarget(6)
	_, err := st.Enqueue(testImei1, text)
	require.NoError(t, err)
	env := testSession(t, st, testTimeouts)
	defer env.dev.Close()

	env.dev.identify(testImei1)
	env.dev.send("NU")
	env.dev.expect(text)
	env.dev.send("ERROR")
	env.dev.expect("GET_INFO")
	cmd, err := st.Peek(testImei1)
	require.NoError(t, err)
	require.NotNil(t, cmd, "command must stay queued after non-OK ack")

	// retried next cycle
	env.dev.send("NU")
	env.dev.expect(text)
	env.dev.send("OK\r\n")
	env.dev.expect("GET_INFO")
	cmd, err = st.Peek(testImei1)
	require.NoError(t, err)
	assert.Nil(t, cmd)

	env.dev.Close()
	env.wait(t)
}

func TestSessionTelemetryMerge(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	env := testSession(t, st, testTimeouts)
	defer env.dev.Close()

	env.dev.identify(testImei1 + "\r\n")
	require.NoError(t, st.MergeUpdate(testImei1, device.MustPatch(`{"inlet_pressure": 3}`)))
	env.dev.send(`{"speed": 1450, "alarms": [7], "firmware": "x"}`)
	// next request means merge is done
	env.dev.expect("GET_INFO")

	d, err := st.Get(testImei1)
	require.NoError(t, err)
	assert.Equal(t, 1450, d.Speed)
	assert.Equal(t, "[7]", d.Alarms)
	assert.Equal(t, 3, d.InletPressure)
	assert.Equal(t, "default", d.InstallationCode)
	e := env.events.last()
	assert.Equal(t, events.KindTelemetry, e.Kind)
	assert.Equal(t, testImei1, e.IMEI)
	assert.Equal(t, map[string]interface{}{"speed": 1450, "alarms": "[7]"}, e.Fields)

	env.dev.Close()
	env.wait(t)
}

func TestSessionInvalidIdentity(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	env := testSession(t, st, testTimeouts)
	defer env.dev.Close()

	env.dev.expect("ID_SUPPLICANT")
	env.dev.send("abc")
	err := env.wait(t)
	assert.Equal(t, device.ErrInvalidIdentity, errors.Cause(err))
	env.dev.expectClosed()
	list, err := st.List()
	require.NoError(t, err)
	assert.Len(t, list, 0)
	assert.Len(t, env.events.kinds(), 0)
}

func TestSessionIdentifyTimeout(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	timeouts := testTimeouts
	timeouts.Identify = 200 * time.Millisecond
	env := testSession(t, st, timeouts)
	defer env.dev.Close()

	env.dev.expect("ID_SUPPLICANT")
	err := env.wait(t)
	assert.Equal(t, link.ErrTimeout, errors.Cause(err))
	list, err := st.List()
	require.NoError(t, err)
	assert.Len(t, list, 0)
}

func TestSessionTelemetryTimeout(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	timeouts := testTimeouts
	timeouts.Telemetry = 300 * time.Millisecond
	env := testSession(t, st, timeouts)
	defer env.dev.Close()

	env.dev.identify(testImei1)
	tbegin := time.Now()
	err := env.wait(t)
	assert.Equal(t, link.ErrTimeout, errors.Cause(err))
	assert.True(t, time.Since(tbegin) >= timeouts.Telemetry-50*time.Millisecond)
	d, err := st.Get(testImei1)
	require.NoError(t, err)
	assert.False(t, d.Online)
	env.dev.expectClosed()
	assert.Equal(t, []events.Kind{events.KindOnline, events.KindOffline}, env.events.kinds())
	// last message was identity, then nothing for whole telemetry timeout
	e := env.events.last()
	assert.Equal(t, "timeout", e.Reason)
	assert.True(t, e.IdleMsec >= (timeouts.Telemetry-50*time.Millisecond).Milliseconds(), "idle_msec=%d", e.IdleMsec)
}

func TestSessionMalformedTelemetry(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	env := testSession(t, st, testTimeouts)
	defer env.dev.Close()

	env.dev.identify(testImei1)
	env.dev.send(`{"speed": `)
	err := env.wait(t)
	assert.Equal(t, device.ErrMalformedTelemetry, errors.Cause(err))
	d, err := st.Get(testImei1)
	require.NoError(t, err)
	assert.False(t, d.Online)
	assert.Equal(t, 0, d.Speed)
}

func TestSessionAckTimeout(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	_, err := st.Enqueue(testImei1, device.CmdStop)
	require.NoError(t, err)
	timeouts := testTimeouts
	timeouts.Ack = 200 * time.Millisecond
	env := testSession(t, st, timeouts)
	defer env.dev.Close()

	env.dev.identify(testImei1)
	env.dev.send("NU")
	env.dev.expect("STOP")
	err = env.wait(t)
	assert.Equal(t, link.ErrTimeout, errors.Cause(err))
	cmd, err := st.Peek(testImei1)
	require.NoError(t, err)
	assert.NotNil(t, cmd)
}

func TestSessionIdentityTrim(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		reply string
		ok    bool
	}{
		{"plain", testImei1, true},
		{"crlf", testImei1 + "\r\n", true},
		{"padded", " " + testImei1 + "\r\n", true},
		{"inner-space", "1234567 89012345", false},
		{"short", "12345678901234\r\n", false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			st := store.NewMemory()
			env := testSession(t, st, testTimeouts)
			defer env.dev.Close()

			env.dev.expect("ID_SUPPLICANT")
			env.dev.send(c.reply)
			if !c.ok {
				err := env.wait(t)
				assert.Equal(t, device.ErrInvalidIdentity, errors.Cause(err))
				return
			}
			env.dev.expect("GET_INFO")
			d, err := st.Get(testImei1)
			require.NoError(t, err)
			assert.Equal(t, testImei1, d.IMEI)
			assert.True(t, d.Online)

			// ack with line terminator is accepted too
			_, err = st.Enqueue(testImei1, device.CmdRun)
			require.NoError(t, err)
			env.dev.send("NU")
			env.dev.expect(device.CmdRun)
			env.dev.send("OK\r\n")
			env.dev.expect("GET_INFO")
			cmd, err := st.Peek(testImei1)
			require.NoError(t, err)
			assert.Nil(t, cmd)

			env.dev.Close()
			env.wait(t)
		})
	}
}
