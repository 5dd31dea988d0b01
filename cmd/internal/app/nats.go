package app

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// natsConn owns one NATS connection and its JetStream context.
type natsConn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func connectNATS(url string, log Logger) (*natsConn, error) {
	nc, err := nats.Connect(url,
		nats.Name("wamux"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats.disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats.reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	log.Info("nats.connected", "url", nc.ConnectedUrl())
	return &natsConn{nc: nc, js: js}, nil
}

// keyValue returns bucket, creating it when missing. ttl bounds every key's age;
// zero keeps keys forever.
func (c *natsConn) keyValue(ctx context.Context, bucket, description string, ttl time.Duration) (jetstream.KeyValue, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := c.js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}

	kv, err = c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: description,
		History:     1,
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create KV bucket %s: %w", bucket, err)
	}
	return kv, nil
}

func (c *natsConn) ready() bool {
	return c != nil && c.nc.IsConnected()
}

func (c *natsConn) Close() {
	if c == nil {
		return
	}
	_ = c.nc.Drain()
}
