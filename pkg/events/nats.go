package events

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fystack/logfilter/pkg/common/config"
	"github.com/fystack/logfilter/pkg/common/logger"
)

// Connect dials the configured NATS server with reconnection enabled for
// the process lifetime.
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1), // retry forever
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(errHandler),
	}
	return nats.Connect(url, opts...)
}

func errHandler(nc *nats.Conn, sub *nats.Subscription, natsErr error) {
	logger.Error("NATS error", "error", natsErr)
	if natsErr == nats.ErrSlowConsumer && sub != nil {
		pendingMsgs, _, err := sub.Pending()
		if err != nil {
			logger.Error("Error getting pending messages", "error", err)
			return
		}
		logger.Error("Falling behind on subject", "pending", pendingMsgs, "subject", sub.Subject)
	}
}
