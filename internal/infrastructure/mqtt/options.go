package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second

	maxQoS = 2

	// willQoS is used for the offline will so consumers are told reliably
	// to stop trusting retained point state.
	willQoS = 1
)

// Values of statusMessage.Status and Reason.
const (
	statusOnline  = "online"
	statusOffline = "offline"

	reasonShutdown   = "graceful_shutdown"
	reasonDisconnect = "unexpected_disconnect"
)

// buildClientOptions maps the mqtt config section onto paho options:
// tcp:// or ssl:// broker URL, client id, optional credentials, clean
// session and auto-reconnect between the configured delays.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Retained state is replayed by the client, so no broker session is kept.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	return opts
}

// configureLWT makes the broker publish a retained offline status if the
// core drops off without closing.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	opts.SetWill(Topics{}.Status(), string(statusPayload(statusOffline, reasonDisconnect, clientID, 0)), willQoS, true)
}

// statusMessage is the retained payload of Topics.Status.
type statusMessage struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
	Reason   string `json:"reason,omitempty"`

	// RetainedStates is the number of point and device topics replayed
	// when the core came online.
	RetainedStates int `json:"retained_states,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

func statusPayload(status, reason, clientID string, replayed int) []byte {
	payload, _ := json.Marshal(statusMessage{ //nolint:errcheck // plain struct always marshals
		Status:         status,
		ClientID:       clientID,
		Reason:         reason,
		RetainedStates: replayed,
		Timestamp:      time.Now().UTC().Truncate(time.Second),
	})
	return payload
}
