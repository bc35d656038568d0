package checker

import (
	"context"

	"github.com/proxy-watch/internal/types"
)

// dialTCP is the reachability stage: a bare TCP connect to the proxy itself
func (c *Checker) dialTCP(ctx context.Context, ep types.Endpoint) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", ep.Address())
	if err != nil {
		return err
	}
	return conn.Close()
}
