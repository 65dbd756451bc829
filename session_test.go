package burrow

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uole/burrow/pkg/memnet"
	"github.com/uole/burrow/pkg/stream"
)

func TestSetListenerAfterClose(t *testing.T) {
	name := memName(t, "exposed")
	sess := testSession(t, "late", "c-late")
	sess.closeWith(ErrSessionClosed)

	l, err := memnet.Listen(name)
	require.NoError(t, err)
	assert.False(t, sess.setListener(l))
	assert.Nil(t, sess.Addr())

	l, err = memnet.Listen(name)
	require.NoError(t, err, "listener of a closed session must be released")
	_ = l.Close()
}

func TestSessionCloseReleasesListener(t *testing.T) {
	name := memName(t, "exposed")
	sess := testSession(t, "s1", "c1")
	l, err := memnet.Listen(name)
	require.NoError(t, err)
	require.True(t, sess.setListener(l))
	assert.Equal(t, l.Addr(), sess.Addr())

	require.NoError(t, sess.Close())
	_, err = memnet.Dial(context.Background(), name)
	assert.ErrorIs(t, err, memnet.ErrRefused)
}

func TestSetListenerRacingClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		name := memName(t, "exposed-"+strconv.Itoa(i))
		sess := testSession(t, "race-"+strconv.Itoa(i), "c-race")
		l, err := memnet.Listen(name)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sess.closeWith(ErrSessionClosed)
		}()
		go func() {
			defer wg.Done()
			sess.setListener(l)
		}()
		wg.Wait()

		_, err = memnet.Dial(context.Background(), name)
		require.ErrorIs(t, err, memnet.ErrRefused, "round %d leaked the listener", i)
	}
}

func TestCorruptTunnelClosesOnlyItsPair(t *testing.T) {
	sess := testSession(t, "s1", "c1")
	snappy := func(rwc net.Conn) *stream.Conn {
		return stream.New(rwc, stream.WithCompress())
	}

	badUser, badLocal := net.Pipe()
	badTunnel, badPeer := net.Pipe()
	defer badUser.Close()
	defer badPeer.Close()
	bad := NewPair("bad", badLocal, snappy(badTunnel))

	goodUser, goodLocal := net.Pipe()
	goodTunnel, goodPeer := net.Pipe()
	good := NewPair("good", goodLocal, snappy(goodTunnel))
	service := snappy(goodPeer)
	defer goodUser.Close()
	defer service.Close()

	go sess.runPair(bad)
	go sess.runPair(good)
	require.Eventually(t, func() bool { return len(sess.Pairs()) == 2 }, time.Second, 2*time.Millisecond)

	go func() { _, _ = badPeer.Write([]byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x04, 'j', 'u', 'n', 'k'}) }()
	select {
	case <-bad.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pair survived a malformed frame")
	}
	_ = badUser.SetReadDeadline(time.Now().Add(time.Second))
	_, err := badUser.Read(make([]byte, 1))
	assert.Error(t, err)

	require.Eventually(t, func() bool { return len(sess.Pairs()) == 1 }, time.Second, 2*time.Millisecond)
	go func() { _, _ = goodUser.Write([]byte("sibling")) }()
	got := make([]byte, len("sibling"))
	_, err = io.ReadFull(service, got)
	require.NoError(t, err)
	assert.Equal(t, "sibling", string(got))
	assert.True(t, sess.IsAlive())
	assert.Equal(t, "good", sess.Pairs()[0].ID)
}
