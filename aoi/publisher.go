package aoi

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/gazeaoi/internal/log"
)

// ErrPublisherDisconnected is returned when publishing without a connected
// client.
var ErrPublisherDisconnected = errors.New("MQTT client not connected")

// FrameMessage is the payload of the combined frame topic.
type FrameMessage struct {
	FrameSummary
	Timestamp int64 `json:"timestamp"`
}

// AOIMessage is the payload of a per-surface topic.
type AOIMessage struct {
	AOISummary
	Timestamp int64 `json:"timestamp"`
}

// Publisher publishes frame results to MQTT:
//
//	<prefix>/aoi/<surface uid>  one AOIMessage per surface
//	<prefix>/frame              the combined FrameMessage
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	now           func() time.Time
}

// NewPublisher creates a publisher. If client is nil, every publish returns
// ErrPublisherDisconnected.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = defaultPublishPrefix
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        false,
		now:           time.Now,
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// AOITopic returns the topic for one surface.
func (p *Publisher) AOITopic(uid SurfaceID) string {
	return fmt.Sprintf("%s/aoi/%s", p.publishPrefix, uid)
}

// FrameTopic returns the combined frame topic.
func (p *Publisher) FrameTopic() string {
	return p.publishPrefix + "/frame"
}

// PublishFrame publishes every surface of result and then the combined
// summary. It stops at the first failure.
func (p *Publisher) PublishFrame(result *FrameResult) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrPublisherDisconnected
	}
	if result == nil {
		return nil
	}

	ts := p.now().UnixMilli()
	summary := result.Summary()
	for _, aoi := range summary.AOIs {
		if err := p.publish(p.AOITopic(aoi.UID), AOIMessage{AOISummary: aoi, Timestamp: ts}); err != nil {
			return err
		}
	}
	if err := p.publish(p.FrameTopic(), FrameMessage{FrameSummary: summary, Timestamp: ts}); err != nil {
		return err
	}

	log.Debug(log.Fields{"aois": len(summary.AOIs), "markers": len(summary.Markers)}, "published frame result")
	return nil
}

func (p *Publisher) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
