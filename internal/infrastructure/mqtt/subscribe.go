package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// subackFailure is the SUBACK return code a broker uses to reject a filter.
const subackFailure = 0x80

// Subscribe registers a handler for messages on the specified topic filter.
//
// Filters may use + (one level) and # (remaining levels). The broker's
// acknowledgement is logged with the granted QoS; a rejected filter returns
// ErrSubscribeFailed. Subscriptions do not survive a lost connection.
//
// Example:
//
//	err := client.Subscribe(mqtt.Topics{Root: "hospital"}.RFIDFilter(), 0,
//	    func(topic string, payload []byte) error {
//	        queue <- message{topic, payload}
//	        return nil
//	    })
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	granted, ok := grantedQoS(token, topic)
	if ok && granted == subackFailure {
		return fmt.Errorf("%w: broker rejected %s", ErrSubscribeFailed, topic)
	}
	if logger := c.getLogger(); logger != nil {
		logger.Info("mqtt subscription acknowledged", "topic", topic, "granted_qos", granted)
	}

	c.subMu.Lock()
	c.subscriptions[topic] = granted
	c.subMu.Unlock()

	return nil
}

func grantedQoS(token pahomqtt.Token, topic string) (byte, bool) {
	st, ok := token.(*pahomqtt.SubscribeToken)
	if !ok {
		return 0, false
	}
	granted, ok := st.Result()[topic]
	return granted, ok
}

// SubscriptionCount returns the number of acknowledged subscriptions on the
// current session.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether the exact filter is subscribed on the
// current session.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, exists := c.subscriptions[topic]
	return exists
}
