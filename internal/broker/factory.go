package broker

import (
	"fmt"
	"net"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"aire/internal/config"
	"aire/internal/constants"
	"aire/internal/logger"
)

// Endpoint is where and what a transport reads.
type Endpoint struct {
	Brokers []string
	Topic   string
	// SASLPassword is set when the endpoint authenticates with a connection string.
	SASLPassword string
}

// ResolveEndpoint derives brokers and topic from the stream config. Explicit
// brokers and topic override what the connection string implies.
func ResolveEndpoint(cfg config.StreamConfig) (Endpoint, error) {
	var ep Endpoint

	if cfg.ConnectionString != "" {
		info, err := ParseConnectionString(cfg.ConnectionString)
		if err != nil {
			return ep, err
		}
		ep.Brokers = []string{info.KafkaAddress()}
		ep.Topic = info.EntityPath
		ep.SASLPassword = cfg.ConnectionString
	}

	if len(cfg.Brokers) > 0 {
		ep.Brokers = cfg.Brokers
	}
	if cfg.Topic != "" {
		ep.Topic = cfg.Topic
	}

	if len(ep.Brokers) == 0 {
		return ep, fmt.Errorf("no brokers: set stream.connection_string or stream.brokers")
	}
	if ep.Topic == "" {
		return ep, fmt.Errorf("no topic: set stream.topic or EntityPath in the connection string")
	}
	return ep, nil
}

// NewDialer assembles TLS, SASL and proxy settings into a kafka dialer.
func NewDialer(cfg config.StreamConfig, ep Endpoint, log logger.Logger) (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		ClientID:  constants.ServiceName,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}

	if !cfg.TLS.Plaintext {
		tlsCfg, err := NewTLSConfig(cfg.TLS.Verify, log)
		if err != nil {
			return nil, err
		}
		dialer.TLS = tlsCfg

		if ep.SASLPassword != "" {
			dialer.SASLMechanism = plain.Mechanism{
				Username: constants.EventHubSASLUser,
				Password: ep.SASLPassword,
			}
		}
	} else {
		log.Warn("Stream transport in plaintext mode, TLS and SASL disabled")
	}

	host := ep.Brokers[0]
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	decision := ResolveProxy(cfg.Proxy, host)
	if decision.URL == nil {
		log.Infow("Stream transport without proxy", "host", host, "reason", decision.Reason)
		return dialer, nil
	}

	dial, err := newProxyDialer(decision.URL, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	dialer.DialFunc = dial
	log.Infow("Stream transport through proxy",
		"host", host,
		"proxy", decision.URL.Redacted(),
	)
	return dialer, nil
}
