package casclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Config configures a Client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// SubjectPrefix is the prefix the daemon's responder listens on.
	// Defaults to "cas".
	SubjectPrefix string

	// Timeout for each request. Defaults to 5s.
	Timeout time.Duration
}

// Client talks to cas-ioclassd over NATS.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("casclient: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "cas"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{nc: cfg.NC, prefix: prefix, timeout: timeout}, nil
}

// LoadConfig installs data as the io class config of cache. A rejected
// config leaves the active table unchanged and is returned as *RemoteError.
func (c *Client) LoadConfig(ctx context.Context, cache string, data []byte, format Format) (*LoadResult, error) {
	msg := nats.NewMsg(fmt.Sprintf("%s.ioclass.load.%s", c.prefix, cache))
	msg.Header.Set("Content-Type", string(format))
	msg.Data = data

	var res LoadResult
	if err := c.request(ctx, msg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Classes returns the active table of cache in classification order.
func (c *Client) Classes(ctx context.Context, cache string) ([]Class, error) {
	var out []Class
	if err := c.request(ctx, nats.NewMsg(fmt.Sprintf("%s.ioclass.list.%s", c.prefix, cache)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CoreStats returns the statistics of every class on one core.
func (c *Client) CoreStats(ctx context.Context, cache string, core uint16) (*CoreStats, error) {
	var out CoreStats
	if err := c.request(ctx, nats.NewMsg(fmt.Sprintf("%s.ioclass.stats.%s.%d", c.prefix, cache, core)), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClassStats returns the statistics of one class on one core.
func (c *Client) ClassStats(ctx context.Context, cache string, core uint16, class uint32) (*ClassStats, error) {
	var out ClassStats
	subject := fmt.Sprintf("%s.ioclass.stats.%s.%d.%d", c.prefix, cache, core, class)
	if err := c.request(ctx, nats.NewMsg(subject), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Classify asks the daemon which class attrs belongs to.
func (c *Client) Classify(ctx context.Context, cache string, attrs Attributes) (*Classification, error) {
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("casclient: encoding attributes: %w", err)
	}
	msg := nats.NewMsg(fmt.Sprintf("%s.classify.%s", c.prefix, cache))
	msg.Data = data

	var out Classification
	if err := c.request(ctx, msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) request(ctx context.Context, msg *nats.Msg, v any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.nc.RequestMsgWithContext(ctx, msg)
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("%w on %s", ErrNoResponders, msg.Subject)
	}
	if err != nil {
		return fmt.Errorf("casclient: request %s: %w", msg.Subject, err)
	}
	if err := remoteError(resp.Data); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		return fmt.Errorf("casclient: decoding reply: %w", err)
	}
	return nil
}
