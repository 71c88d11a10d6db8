package readiness

import (
	"context"
	"net"
	"time"
)

// TCPProbe is ready once the server port accepts a TCP connection.
type TCPProbe struct {
	Timeout time.Duration
}

func (p TCPProbe) Ready(ctx context.Context, t Target) (bool, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func (p TCPProbe) Describe() string { return "tcp" }
