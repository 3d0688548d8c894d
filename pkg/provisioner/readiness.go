package provisioner

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Readiness probe modes
const (
	ReadinessTCP = "tcp"
	ReadinessSSH = "ssh"
)

const dialTimeout = 3 * time.Second

// ProbeTarget is the endpoint and credentials a readiness probe checks
type ProbeTarget struct {
	Address  string
	Username string
	Password string
}

// Prober checks once whether a container's SSH endpoint is usable
type Prober interface {
	Probe(ctx context.Context, target ProbeTarget) error
}

func newProber(mode string) Prober {
	if mode == ReadinessSSH {
		return sshProber{}
	}
	return tcpProber{}
}

type tcpProber struct{}

func (tcpProber) Probe(ctx context.Context, target ProbeTarget) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return fmt.Errorf("tcp connection failed: %w", err)
	}
	return conn.Close()
}

// sshProber completes a password handshake, catching sshd that accepts
// connections before the tenant user exists.
type sshProber struct{}

func (sshProber) Probe(ctx context.Context, target ProbeTarget) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return fmt.Errorf("tcp connection failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(dialTimeout))
	}

	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.Address, config)
	if err != nil {
		return fmt.Errorf("ssh handshake failed: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	return client.Close()
}

// waitFor probes every interval until the probe succeeds or timeout elapses.
// The first probe runs immediately.
func waitFor(ctx context.Context, prober Prober, target ProbeTarget, interval, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = prober.Probe(ctx, target); lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("not ready after %s: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}

// hostPortFree reports whether port can be bound on the host
func hostPortFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
