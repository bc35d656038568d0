package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/proxy-watch/internal/types"
	"golang.org/x/net/proxy"
	"h12.io/socks"
)

// clientFor builds a dedicated client routed through ep. Transports are never
// shared between endpoints.
func (c *Checker) clientFor(ep types.Endpoint) (*http.Client, error) {
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   c.timeout,
		ResponseHeaderTimeout: c.timeout,
		DisableKeepAlives:     true,
	}

	switch ep.Protocol {
	case types.HTTP, types.HTTPS:
		transport.Proxy = http.ProxyURL(ep.URL())
		transport.DialContext = c.dialer.DialContext

	case types.SOCKS5:
		var auth *proxy.Auth
		if ep.Auth != nil {
			auth = &proxy.Auth{User: ep.Auth.Username, Password: ep.Auth.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", ep.Address(), auth, c.dialer)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 dialer error: %w", err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = contextDialer.DialContext

	case types.SOCKS4:
		uri := fmt.Sprintf("socks4://%s?timeout=%s", ep.Address(), url.QueryEscape(c.timeout.String()))
		dial := socks.Dial(uri)
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialWithContext(ctx, func() (net.Conn, error) { return dial(network, addr) })
		}

	default:
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrProtocolMismatch, ep.Protocol)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
	}, nil
}

// dialWithContext runs a blocking dial and gives up when ctx is done.
// A connection that arrives late is closed.
func dialWithContext(ctx context.Context, dial func() (net.Conn, error)) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dial()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
