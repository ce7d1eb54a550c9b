package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

func Dial(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", address, err)
	}
	return conn, nil
}

// ResolveHost returns host:port for every address host resolves to.
func ResolveHost(ctx context.Context, host string, port uint16) ([]string, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("could not resolve %s: %w", host, err)
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, net.JoinHostPort(addr, strconv.Itoa(int(port))))
	}
	return out, nil
}

// OpenAny resolves host and dials each of its addresses in order until one
// answers.
func OpenAny(ctx context.Context, host string, port uint16, timeout time.Duration) (net.Conn, error) {
	addrs, err := ResolveHost(ctx, host, port)
	if err != nil {
		return nil, err
	}

	var merr *multierror.Error
	for _, addr := range addrs {
		conn, err := Dial(ctx, addr, timeout)
		if err == nil {
			return conn, nil
		}
		merr = multierror.Append(merr, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, merr.ErrorOrNil()
}

type Resolved struct {
	Addrs []string
	Err   error
}

// ResolveAsync runs ResolveHost on a goroutine. The channel receives exactly
// one result and is never closed, so a caller polling it from its loop can
// simply stop looking.
func ResolveAsync(ctx context.Context, host string, port uint16) <-chan Resolved {
	out := make(chan Resolved, 1)
	go func() {
		addrs, err := ResolveHost(ctx, host, port)
		out <- Resolved{Addrs: addrs, Err: err}
	}()
	return out
}
