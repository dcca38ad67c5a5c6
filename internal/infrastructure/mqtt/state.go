package mqtt

import (
	"fmt"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize caps a single message; state and ack payloads are a few
// hundred bytes.
const maxPayloadSize = 1 << 20

// Publish sends one message and waits for the broker to accept it. Use it
// for acks and health; point state and device status go through
// PublishState so they survive a reconnect.
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected or ErrPublishFailed
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublish(topic, payload, qos); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return waitPublish(c.client.Publish(topic, qos, retained, payload))
}

// PublishState publishes the retained state of a point or the status of a
// device at the configured QoS and remembers it.
//
// The latest payload per topic is replayed after every reconnect. While
// the broker is away the payload is kept and ErrNotConnected is returned,
// so a caller may count the miss but need not retry.
func (c *Client) PublishState(topic string, payload []byte) error {
	qos := byte(c.cfg.QoS)
	if err := validatePublish(topic, payload, qos); err != nil {
		return err
	}

	c.retainedMu.Lock()
	c.retained[topic] = append([]byte(nil), payload...)
	if !c.IsConnected() {
		c.retainedMu.Unlock()
		return fmt.Errorf("%w: %s held for replay", ErrNotConnected, topic)
	}
	// Issued under retainedMu so a concurrent replay cannot overtake it.
	token := c.client.Publish(topic, qos, true, payload)
	c.retainedMu.Unlock()

	return waitPublish(token)
}

// ClearDevice removes the retained state of every point of a device and
// its status topic from the broker, for a device that left the registry.
// Topics that cannot be cleared now are cleared on the next reconnect.
//
// Returns:
//   - int: Number of retained topics cleared
func (c *Client) ClearDevice(device uint32) int {
	statePrefix := Topics{}.DeviceStates(device)
	statusTopic := Topics{}.DeviceStatus(device)
	connected := c.IsConnected()

	c.retainedMu.Lock()
	defer c.retainedMu.Unlock()
	n := 0
	for topic, payload := range c.retained {
		if payload == nil || (topic != statusTopic && !strings.HasPrefix(topic, statePrefix)) {
			continue
		}
		n++
		if !connected {
			// nil marks a topic still to be cleared on the broker.
			c.retained[topic] = nil
			continue
		}
		// An empty retained message deletes the broker's copy.
		c.client.Publish(topic, byte(c.cfg.QoS), true, []byte{})
		delete(c.retained, topic)
	}
	return n
}

// replayRetained republishes every remembered state and sends the clears
// that were held while disconnected.
//
// Returns:
//   - int: Number of states replayed, clears excluded
func (c *Client) replayRetained() int {
	qos := byte(c.cfg.QoS)

	c.retainedMu.Lock()
	tokens := make([]pahomqtt.Token, 0, len(c.retained))
	replayed := 0
	for topic, payload := range c.retained {
		if payload == nil {
			tokens = append(tokens, c.client.Publish(topic, qos, true, []byte{}))
			delete(c.retained, topic)
			continue
		}
		tokens = append(tokens, c.client.Publish(topic, qos, true, payload))
		replayed++
	}
	c.retainedMu.Unlock()

	for _, token := range tokens {
		if err := waitPublish(token); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT retained state replay failed", "error", err)
			}
			break
		}
	}
	return replayed
}

func (c *Client) retainedCount() int {
	c.retainedMu.Lock()
	defer c.retainedMu.Unlock()
	return len(c.retained)
}

func validatePublish(topic string, payload []byte, qos byte) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	return nil
}

func waitPublish(token pahomqtt.Token) error {
	return waitToken(token, ErrPublishFailed)
}
