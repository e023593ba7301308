package broker

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"aire/internal/constants"
	apperrors "aire/pkg/errors"
)

// ConnectionInfo is the parsed shared access descriptor of an event hub.
type ConnectionInfo struct {
	Endpoint   string
	Host       string
	KeyName    string
	EntityPath string
}

// ParseConnectionString parses
// Endpoint=sb://host/;SharedAccessKeyName=..;SharedAccessKey=..;EntityPath=..
// A descriptor without EntityPath is rejected.
func ParseConnectionString(s string) (ConnectionInfo, error) {
	parts := make(map[string]string)
	for _, kv := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		parts[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	endpoint := parts["Endpoint"]
	host := endpoint
	if strings.HasPrefix(strings.ToLower(endpoint), "sb://") {
		host = strings.Trim(endpoint[len("sb://"):], "/ ")
	}
	host = strings.ReplaceAll(host, "/", "")

	info := ConnectionInfo{
		Endpoint:   endpoint,
		Host:       host,
		KeyName:    parts["SharedAccessKeyName"],
		EntityPath: parts["EntityPath"],
	}

	if info.Host == "" {
		return info, apperrors.ErrConfig.WithMessage("connection string has no Endpoint")
	}
	if info.EntityPath == "" {
		return info, apperrors.ErrConfig.WithMessage(
			"connection string has no EntityPath; use the Event Hub-compatible endpoint of the hub")
	}
	return info, nil
}

// KafkaAddress is the Kafka-protocol endpoint of the namespace.
func (c ConnectionInfo) KafkaAddress() string {
	if _, _, err := net.SplitHostPort(c.Host); err == nil {
		return c.Host
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(constants.EventHubKafkaPort))
}

func (c ConnectionInfo) String() string {
	return fmt.Sprintf("host=%s entity=%s policy=%s", c.Host, c.EntityPath, c.KeyName)
}
