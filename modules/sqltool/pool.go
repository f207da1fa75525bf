package sqltool

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// ErrPoolExhausted is returned when no connection becomes free within
// the acquire timeout.
var ErrPoolExhausted = errors.New("connection pool exhausted")

var errPoolClosed = errors.New("connection pool closed")

// pool hands out dedicated connections from a single database handle.
// Connections are created lazily up to max; waiters queue on a
// condition variable until a connection frees up or their deadline
// passes.
type pool struct {
	db             *sql.DB
	max            int
	acquireTimeout time.Duration

	mtx    sync.Mutex
	cond   *sync.Cond
	free   []*sql.Conn
	total  int
	closed bool
}

func newPool(db *sql.DB, max int, acquireTimeout time.Duration) *pool {
	p := &pool{
		db:             db,
		max:            max,
		acquireTimeout: acquireTimeout,
	}
	p.cond = sync.NewCond(&p.mtx)
	return p
}

func (p *pool) acquire(ctx context.Context) (*sql.Conn, error) {
	deadline := time.Now().Add(p.acquireTimeout)
	// the timer takes the mutex so the wakeup cannot slip between a
	// waiter's deadline check and its cond.Wait
	timer := time.AfterFunc(p.acquireTimeout, func() {
		p.mtx.Lock()
		p.cond.Broadcast()
		p.mtx.Unlock()
	})
	defer timer.Stop()

	p.mtx.Lock()
	for {
		if p.closed {
			p.mtx.Unlock()
			return nil, errPoolClosed
		}
		if n := len(p.free); n > 0 {
			conn := p.free[0]
			p.free = p.free[1:]
			p.mtx.Unlock()
			return conn, nil
		}
		if p.total < p.max {
			p.total++
			p.mtx.Unlock()
			conn, err := p.db.Conn(ctx)
			if err != nil {
				p.mtx.Lock()
				p.total--
				p.cond.Broadcast()
				p.mtx.Unlock()
				return nil, err
			}
			return conn, nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			p.mtx.Unlock()
			return nil, ErrPoolExhausted
		}
		p.cond.Wait()
	}
}

// release returns a healthy connection to the free list. Unhealthy
// connections are closed so a fresh one can be created in their place.
func (p *pool) release(conn *sql.Conn, healthy bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if !healthy || p.closed {
		_ = conn.Close()
		p.total--
		p.cond.Broadcast()
		return
	}
	p.free = append(p.free, conn)
	p.cond.Broadcast()
}

func (p *pool) closeAll() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.closed = true
	for _, conn := range p.free {
		_ = conn.Close()
		p.total--
	}
	p.free = nil
	p.cond.Broadcast()
}

// PoolStats describes pool occupancy for the metrics snapshot.
type PoolStats struct {
	Total int `json:"total_connections"`
	Idle  int `json:"idle_connections"`
	Busy  int `json:"busy_connections"`
}

func (p *pool) stats() PoolStats {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return PoolStats{
		Total: p.total,
		Idle:  len(p.free),
		Busy:  p.total - len(p.free),
	}
}
