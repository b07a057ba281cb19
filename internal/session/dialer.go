// internal/session/dialer.go
package session

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pedro-hdias/mudbroker/internal/types"
	"github.com/pedro-hdias/mudbroker/internal/upstream"
)

// Dialer bounds the number of concurrent in-flight upstream dials
// process-wide with a weighted semaphore (grounded on
// ebrakke-gopherclaw's internal/gateway/queue.go), so a burst of
// reconnecting clients cannot open unbounded simultaneous sockets to the
// MUD host.
type Dialer struct {
	host          string
	port          int
	readBufSize   int
	writeTimeout  time.Duration
	dialTimeout   time.Duration
	sem           *semaphore.Weighted
}

// NewDialer builds a Dialer targeting host:port, allowing at most
// maxConcurrent simultaneous dials.
func NewDialer(host string, port int, readBufSize int, writeTimeout, dialTimeout time.Duration, maxConcurrent int64) *Dialer {
	return &Dialer{
		host:         host,
		port:         port,
		readBufSize:  readBufSize,
		writeTimeout: writeTimeout,
		dialTimeout:  dialTimeout,
		sem:          semaphore.NewWeighted(maxConcurrent),
	}
}

// Dial acquires a semaphore slot, opens the connection, then releases
// the slot (the slot bounds concurrent dials in flight, not concurrent
// established connections).
func (d *Dialer) Dial(ctx context.Context) (types.UpstreamConn, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	return upstream.Dial(dialCtx, d.host, d.port, d.readBufSize, d.writeTimeout)
}

// AsDialFunc adapts the Dialer to the DialFunc a Session expects.
func (d *Dialer) AsDialFunc() DialFunc {
	return d.Dial
}
