package stomp

import (
	"io"
	"sync"
)

// watchedConn reports the first read error to onLost. The STOMP library
// owns the read loop, so a failing read is the earliest sign of a dead link,
// including heart-beat expiry which closes the stream underneath it.
type watchedConn struct {
	io.ReadWriteCloser
	once   sync.Once
	onLost func(error)
}

func (w *watchedConn) Read(p []byte) (int, error) {
	n, err := w.ReadWriteCloser.Read(p)
	if err != nil {
		w.once.Do(func() { w.onLost(err) })
	}
	return n, err
}
