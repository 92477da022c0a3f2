package lifecycle

import (
	"context"
	"net"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/NotEvenANeko/objc-sdk/logger"
)

const defaultProbeTimeout = 5 * time.Second

// ProbeMonitor decides the network is reachable when a TCP connection to a known host can
// be established. It probes on a fixed interval and publishes only transitions.
type ProbeMonitor struct {
	tmb    tomb.Tomb
	logger *logger.Logger

	address  string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, address string) (net.Conn, error)

	lock   sync.Mutex
	status ReachabilityStatus

	subs subscribers[ReachabilityStatus]
}

// NewProbeMonitor starts probing address (host:port) every interval until Close
func NewProbeMonitor(logger *logger.Logger, address string, interval time.Duration) *ProbeMonitor {
	dialer := &net.Dialer{}
	p := &ProbeMonitor{
		logger:   logger,
		address:  address,
		interval: interval,
		timeout:  defaultProbeTimeout,
		dial:     dialer.DialContext,
		status:   Unknown,
	}

	p.tmb.Go(p.run)
	return p
}

func (p *ProbeMonitor) Status() ReachabilityStatus {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.status
}

func (p *ProbeMonitor) Subscribe(fn func(ReachabilityStatus)) func() {
	return p.subs.add(fn)
}

func (p *ProbeMonitor) Close() {
	p.tmb.Kill(nil)
	p.tmb.Wait()
}

func (p *ProbeMonitor) run() error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe()
	for {
		select {
		case <-p.tmb.Dying():
			return nil
		case <-ticker.C:
			p.probe()
		}
	}
}

func (p *ProbeMonitor) probe() {
	ctx, cancel := context.WithTimeout(p.tmb.Context(nil), p.timeout)
	defer cancel()

	status := Reachable
	if conn, err := p.dial(ctx, "tcp", p.address); err != nil {
		p.logger.Debugf("Reachability probe to %s failed: %s", p.address, err)
		status = NotReachable
	} else {
		conn.Close()
	}

	p.update(status)
}

func (p *ProbeMonitor) update(status ReachabilityStatus) {
	p.lock.Lock()
	if p.status == status {
		p.lock.Unlock()
		return
	}
	previous := p.status
	p.status = status
	p.lock.Unlock()

	p.logger.Infof("Network reachability changed from %s to %s", previous, status)
	p.subs.notify(status)
}
