package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
)

// Consumer forwards one producer's track to the endpoint of its transport.
type Consumer struct {
	*entity

	producerID    string
	mediaKind     MediaKind
	rtpParameters map[string]any
	consumerType  string

	stateMu         sync.RWMutex
	paused          bool
	producerPaused  bool
	score           ConsumerScore
	preferredLayers *ConsumerLayers
	currentLayers   *ConsumerLayers
}

type consumerSnapshot struct {
	Paused          bool            `json:"paused"`
	ProducerPaused  bool            `json:"producerPaused"`
	Score           *ConsumerScore  `json:"score"`
	PreferredLayers *ConsumerLayers `json:"preferredLayers"`
	Type            string          `json:"type"`
	RtpParameters   map[string]any  `json:"rtpParameters"`
}

func newConsumer(t *Transport, id string, producer *Producer, opts ConsumerOptions) *Consumer {
	c := &Consumer{
		producerID:    producer.ID(),
		mediaKind:     producer.MediaKind(),
		rtpParameters: producer.RtpParameters(),
		consumerType:  producer.Type(),
		paused:        opts.Paused,
		score:         ConsumerScore{Score: 10, ProducerScore: 10},
	}
	internal := t.childInternal("consumerId", id)
	internal["producerId"] = producer.ID()
	c.entity = newEntity(entityParams{
		id:                id,
		kind:              KindConsumer,
		internal:          internal,
		channel:           t.channel,
		logger:            t.logger,
		appData:           opts.AppData,
		parent:            t,
		closeMethod:       "consumer.close",
		parentClosedEvent: EventTransportClose,
		tap:               t.tap,
	})
	c.subscribe(c.handleNotification)
	return c
}

func (c *Consumer) applySnapshot(raw json.RawMessage) error {
	var snap consumerSnapshot
	if err := jsoncodec.UnmarshalRaw(raw, &snap); err != nil {
		return err
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.paused = snap.Paused
	c.producerPaused = snap.ProducerPaused
	if snap.Score != nil {
		c.score = *snap.Score
	}
	c.preferredLayers = snap.PreferredLayers
	if snap.Type != "" {
		c.consumerType = snap.Type
	}
	if snap.RtpParameters != nil {
		c.rtpParameters = snap.RtpParameters
	}
	return nil
}

// ProducerID is the id of the consumed producer.
func (c *Consumer) ProducerID() string { return c.producerID }

func (c *Consumer) MediaKind() MediaKind { return c.mediaKind }

func (c *Consumer) RtpParameters() map[string]any { return c.rtpParameters }

func (c *Consumer) Type() string { return c.consumerType }

func (c *Consumer) Paused() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.paused
}

// ProducerPaused reports whether the consumed producer is paused.
func (c *Consumer) ProducerPaused() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.producerPaused
}

func (c *Consumer) Score() ConsumerScore {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.score
}

func (c *Consumer) PreferredLayers() *ConsumerLayers {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.preferredLayers
}

// CurrentLayers returns the layers being forwarded, nil when none.
func (c *Consumer) CurrentLayers() *ConsumerLayers {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.currentLayers
}

func (c *Consumer) Close() { c.close() }

func (c *Consumer) Pause(ctx context.Context) error {
	if _, err := c.request(ctx, "consumer.pause", nil); err != nil {
		return err
	}
	c.stateMu.Lock()
	wasPaused := c.paused || c.producerPaused
	c.paused = true
	c.stateMu.Unlock()
	if !wasPaused {
		c.observer.Emit(EventPause, nil)
	}
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	if _, err := c.request(ctx, "consumer.resume", nil); err != nil {
		return err
	}
	c.stateMu.Lock()
	wasPaused := c.paused || c.producerPaused
	c.paused = false
	producerPaused := c.producerPaused
	c.stateMu.Unlock()
	if wasPaused && !producerPaused {
		c.observer.Emit(EventResume, nil)
	}
	return nil
}

// SetPreferredLayers selects the spatial and temporal layers to forward.
func (c *Consumer) SetPreferredLayers(ctx context.Context, layers ConsumerLayers) error {
	var reply *ConsumerLayers
	if err := c.requestInto(ctx, "consumer.setPreferredLayers", layers, &reply); err != nil {
		return err
	}
	c.stateMu.Lock()
	c.preferredLayers = reply
	c.stateMu.Unlock()
	return nil
}

func (c *Consumer) RequestKeyFrame(ctx context.Context) error {
	_, err := c.request(ctx, "consumer.requestKeyFrame", nil)
	return err
}

func (c *Consumer) GetStats(ctx context.Context) (StatsReport, error) {
	var stats StatsReport
	err := c.requestInto(ctx, "consumer.getStats", nil, &stats)
	return stats, err
}

func (c *Consumer) Dump(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, "consumer.dump", nil)
}

func (c *Consumer) EnableTraceEvent(ctx context.Context, types []string) error {
	if types == nil {
		types = []string{}
	}
	_, err := c.request(ctx, "consumer.enableTraceEvent", map[string]any{"types": types})
	return err
}

func (c *Consumer) handleNotification(n Notification) {
	switch v := n.(type) {
	case ProducerClose:
		c.teardown(EventProducerClose, nil)

	case ProducerPause:
		c.stateMu.Lock()
		if c.producerPaused {
			c.stateMu.Unlock()
			return
		}
		wasPaused := c.paused || c.producerPaused
		c.producerPaused = true
		c.stateMu.Unlock()
		c.events.Emit(EventProducerPause, nil)
		if !wasPaused {
			c.observer.Emit(EventPause, nil)
		}

	case ProducerResume:
		c.stateMu.Lock()
		if !c.producerPaused {
			c.stateMu.Unlock()
			return
		}
		c.producerPaused = false
		paused := c.paused
		c.stateMu.Unlock()
		c.events.Emit(EventProducerResume, nil)
		if !paused {
			c.observer.Emit(EventResume, nil)
		}

	case Score:
		score, err := v.ConsumerScore()
		if err != nil {
			c.ignore(UnknownNotification{Name: v.Event(), Data: v.Raw, Err: err})
			return
		}
		c.stateMu.Lock()
		c.score = score
		c.stateMu.Unlock()
		c.emit(EventScore, score)

	case LayersChange:
		c.stateMu.Lock()
		c.currentLayers = v.Layers
		c.stateMu.Unlock()
		c.emit(EventLayersChange, v.Layers)

	case Trace:
		c.emit(EventTrace, v.Data)

	default:
		c.ignore(n)
	}
}
