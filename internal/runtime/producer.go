package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
)

// StatsReport is a list of stats entries as reported by the worker.
type StatsReport []map[string]any

// Producer injects one audio or video track into a router.
type Producer struct {
	*entity

	mediaKind     MediaKind
	rtpParameters map[string]any
	producerType  string

	stateMu sync.RWMutex
	paused  bool
	score   []ProducerScore
}

func newProducer(t *Transport, id string, opts ProducerOptions) *Producer {
	p := &Producer{
		mediaKind:     opts.Kind,
		rtpParameters: opts.RtpParameters,
		paused:        opts.Paused,
	}
	p.entity = newEntity(entityParams{
		id:                id,
		kind:              KindProducer,
		internal:          t.childInternal("producerId", id),
		channel:           t.channel,
		logger:            t.logger,
		appData:           opts.AppData,
		parent:            t,
		closeMethod:       "producer.close",
		parentClosedEvent: EventTransportClose,
		tap:               t.tap,
	})
	p.subscribe(p.handleNotification)
	return p
}

func (p *Producer) applySnapshot(raw json.RawMessage) error {
	var reply struct {
		Type string `json:"type"`
	}
	if err := jsoncodec.UnmarshalRaw(raw, &reply); err != nil {
		return err
	}
	p.producerType = reply.Type
	return nil
}

// MediaKind is "audio" or "video".
func (p *Producer) MediaKind() MediaKind { return p.mediaKind }

// RtpParameters returns the parameters the producer was created with.
func (p *Producer) RtpParameters() map[string]any { return p.rtpParameters }

// Type is the producer type reported by the worker, such as "simple" or
// "simulcast".
func (p *Producer) Type() string { return p.producerType }

func (p *Producer) Paused() bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.paused
}

// Score returns the latest score per encoding.
func (p *Producer) Score() []ProducerScore {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return append([]ProducerScore(nil), p.score...)
}

// Close closes the producer. Consumers of it are closed by the worker, which
// notifies them with "producerclose".
func (p *Producer) Close() { p.close() }

func (p *Producer) Pause(ctx context.Context) error {
	if _, err := p.request(ctx, "producer.pause", nil); err != nil {
		return err
	}
	if p.setPaused(true) {
		p.observer.Emit(EventPause, nil)
	}
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	if _, err := p.request(ctx, "producer.resume", nil); err != nil {
		return err
	}
	if p.setPaused(false) {
		p.observer.Emit(EventResume, nil)
	}
	return nil
}

// setPaused stores v and reports whether it changed.
func (p *Producer) setPaused(v bool) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	changed := p.paused != v
	p.paused = v
	return changed
}

func (p *Producer) GetStats(ctx context.Context) (StatsReport, error) {
	var stats StatsReport
	err := p.requestInto(ctx, "producer.getStats", nil, &stats)
	return stats, err
}

func (p *Producer) Dump(ctx context.Context) (json.RawMessage, error) {
	return p.request(ctx, "producer.dump", nil)
}

// EnableTraceEvent selects the "trace" event types the worker emits, for
// example "rtp", "keyframe" or "nack".
func (p *Producer) EnableTraceEvent(ctx context.Context, types []string) error {
	if types == nil {
		types = []string{}
	}
	_, err := p.request(ctx, "producer.enableTraceEvent", map[string]any{"types": types})
	return err
}

func (p *Producer) handleNotification(n Notification) {
	switch v := n.(type) {
	case Score:
		scores, err := v.ProducerScores()
		if err != nil {
			p.ignore(UnknownNotification{Name: v.Event(), Data: v.Raw, Err: err})
			return
		}
		p.stateMu.Lock()
		p.score = scores
		p.stateMu.Unlock()
		p.emit(EventScore, scores)

	case VideoOrientationChange:
		p.emit(EventVideoOrientationChange, v.Orientation)

	case Trace:
		p.emit(EventTrace, v.Data)

	default:
		p.ignore(n)
	}
}
