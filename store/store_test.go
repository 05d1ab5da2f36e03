package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cpxlink/cpxd/device"
	"github.com/cpxlink/cpxd/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testImei1 = "123456789012345"
	testImei2 = "123456789012346"
)

type testDriver struct {
	name string
	open func(testing.TB) Store
}

var testDrivers = []testDriver{
	{"memory", func(t testing.TB) Store { return NewMemory() }},
	{"memory-persist", func(t testing.TB) Store {
		s, err := NewMemoryPersist(t.(*testing.T).TempDir(), log2.NewTest(t, log2.LDebug))
		require.NoError(t, err)
		return s
	}},
	{"leveldb", func(t testing.TB) Store {
		s, err := OpenLevel(OnlyForTesting)
		require.NoError(t, err)
		return s
	}},
}

func eachDriver(t *testing.T, f func(t *testing.T, s Store)) {
	for _, d := range testDrivers {
		d := d
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			s := d.open(t)
			defer s.Close()
			f(t, s)
		})
	}
}

func TestUpsertOnline(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, s Store) {
		_, err := s.Get(testImei1)
		assert.True(t, errors.IsNotFound(err), "err=%v", err)

		d, err := s.UpsertOnline(testImei1)
		require.NoError(t, err)
		assert.True(t, d.Online)
		assert.Equal(t, "default", d.InstallationCode)
		assert.Equal(t, "0x0000", d.StartCode)
		assert.Equal(t, "[]", d.Alarms)

		require.NoError(t, s.MergeUpdate(testImei1, device.MustPatch(`{"speed": 7}`)))
		require.NoError(t, s.SetOffline(testImei1))
		d, err = s.UpsertOnline(testImei1)
		require.NoError(t, err)
		assert.True(t, d.Online)
		assert.Equal(t, 7, d.Speed, "upsert must keep existing telemetry")

		list, err := s.List()
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestMergeUpdate(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, s Store) {
		err := s.MergeUpdate(testImei1, device.MustPatch(`{"speed": 1}`))
		assert.True(t, errors.IsNotFound(err), "err=%v", err)

		_, err = s.UpsertOnline(testImei1)
		require.NoError(t, err)
		require.NoError(t, s.MergeUpdate(testImei1, device.MustPatch(`{"inlet_pressure": 4, "anti_drip": true}`)))
		require.NoError(t, s.MergeUpdate(testImei1, device.MustPatch(`{"speed": 1450, "alarms": [12]}`)))

		d, err := s.Get(testImei1)
		require.NoError(t, err)
		assert.Equal(t, 4, d.InletPressure)
		assert.True(t, d.AntiDrip)
		assert.Equal(t, 1450, d.Speed)
		assert.Equal(t, "[12]", d.Alarms)
		assert.Equal(t, "default", d.InstallationCode)
		assert.True(t, d.Online)
	})
}

func TestResetAllOffline(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, s Store) {
		n, err := s.ResetAllOffline()
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		for _, imei := range []string{testImei1, testImei2} {
			_, err = s.UpsertOnline(imei)
			require.NoError(t, err)
		}
		require.NoError(t, s.SetOffline(testImei2))

		n, err = s.ResetAllOffline()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.ResetAllOffline()
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		list, err := s.List()
		require.NoError(t, err)
		require.Len(t, list, 2)
		for _, d := range list {
			assert.False(t, d.Online, d.String())
		}
	})
}

func TestCommandQueue(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, s Store) {
		c, err := s.Peek(testImei1)
		require.NoError(t, err)
		assert.Nil(t, c)

		c1, err := s.Enqueue(testImei1, device.CmdRun)
		require.NoError(t, err)
		assert.NotZero(t, c1.Seq)

		_, err = s.Enqueue(testImei1, device.CmdStop)
		assert.True(t, errors.IsAlreadyExists(err), "err=%v", err)

		c2, err := s.Enqueue(testImei2, device.CmdStop)
		require.NoError(t, err)
		assert.NotEqual(t, c1.Seq, c2.Seq)

		c, err = s.Peek(testImei1)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, device.CmdRun, c.Text)
		assert.Equal(t, c1.Seq, c.Seq)

		pending, err := s.Pending()
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		require.NoError(t, s.Delete(*c))
		c, err = s.Peek(testImei1)
		require.NoError(t, err)
		assert.Nil(t, c)

		// stale delete must not remove newer command
		c3, err := s.Enqueue(testImei1, device.SetPressureTarget(5))
		require.NoError(t, err)
		require.NoError(t, s.Delete(c1))
		c, err = s.Peek(testImei1)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, c3.Seq, c.Seq)
		assert.Equal(t, "SET_PRESSURE_TARGET: 5", c.Text)
	})
}

func TestEnqueueConcurrent(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, s Store) {
		const N = 16
		var wg sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		wg.Add(N)
		for i := 0; i < N; i++ {
			go func(i int) {
				defer wg.Done()
				if _, err := s.Enqueue(testImei1, fmt.Sprintf("SET_PRESSURE_TARGET: %d", i)); err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
	})
}

func TestMemoryPersistReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	log := log2.NewTest(t, log2.LDebug)
	s1, err := NewMemoryPersist(dir, log)
	require.NoError(t, err)
	fixed := time.Date(2020, 3, 4, 5, 6, 7, 8, time.UTC)
	s1.now = func() time.Time { return fixed }
	_, err = s1.UpsertOnline(testImei1)
	require.NoError(t, err)
	require.NoError(t, s1.MergeUpdate(testImei1, device.MustPatch(`{"start_code": "0xAB"}`)))
	cmd, err := s1.Enqueue(testImei1, device.CmdRun)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewMemoryPersist(dir, log)
	require.NoError(t, err)
	defer s2.Close()
	d, err := s2.Get(testImei1)
	require.NoError(t, err)
	assert.Equal(t, "0xAB", d.StartCode)
	assert.True(t, d.Online)
	assert.True(t, fixed.Equal(d.CreatedAt), "created_at=%v", d.CreatedAt)
	c, err := s2.Peek(testImei1)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, cmd.Seq, c.Seq)

	// sequence continues after reload
	require.NoError(t, s2.Delete(*c))
	next, err := s2.Enqueue(testImei1, device.CmdStop)
	require.NoError(t, err)
	assert.Equal(t, cmd.Seq+1, next.Seq)
}

func TestMemoryPersistExclusive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	log := log2.NewTest(t, log2.LDebug)
	s1, err := NewMemoryPersist(dir, log)
	require.NoError(t, err)
	_, err = s1.Enqueue(testImei1, device.CmdRun)
	require.NoError(t, err)

	_, err = NewMemoryPersist(dir, log)
	require.Error(t, err)
	assert.True(t, errors.IsAlreadyExists(errors.Cause(err)), "err=%v", err)
	assert.Contains(t, err.Error(), "stop server")

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	s2, err := NewMemoryPersist(dir, log)
	require.NoError(t, err)
	defer s2.Close()
	c, err := s2.Peek(testImei1)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestLevelReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s1, err := OpenLevel(dir)
	require.NoError(t, err)
	_, err = s1.UpsertOnline(testImei1)
	require.NoError(t, err)
	cmd, err := s1.Enqueue(testImei1, device.CmdStop)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := OpenLevel(dir)
	require.NoError(t, err)
	defer s2.Close()
	n, err := s2.ResetAllOffline()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	c, err := s2.Peek(testImei1)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, *c, cmd)
}

func TestOpen(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	cases := []struct {
		c      Config
		expect string
	}{
		{Config{}, ""},
		{Config{Driver: DriverMemory, Path: t.TempDir()}, ""},
		{Config{Driver: DriverLevelDB, Path: OnlyForTesting}, ""},
		{Config{Driver: DriverLevelDB}, "path=empty"},
		{Config{Driver: "postgres"}, "not supported"},
	}
	for _, c := range cases {
		s, err := Open(c.c, log)
		if c.expect == "" {
			require.NoError(t, err, "config=%#v", c.c)
			assert.NoError(t, s.Close())
		} else {
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.expect)
		}
	}
}
