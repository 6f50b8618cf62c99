package services

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/message"
)

// Timer adds whoever messages its topic to an exclusive group and publishes
// the unix time to that group on every tick.
type Timer struct {
	topic    string
	group    string
	interval time.Duration
	now      func() time.Time
	client   *bus.Client

	joined atomic.Uint64
	ticks  atomic.Uint64
}

type TimerStatus struct {
	Topic    string `json:"topic"`
	Group    string `json:"group"`
	Interval string `json:"interval"`
	Joined   uint64 `json:"joined"`
	Ticks    uint64 `json:"ticks"`
	Active   bool   `json:"active"`
}

// NewTimer publishes to topic+"_data". A non-positive interval means one
// second.
func NewTimer(reg *bus.Registry, topic string, interval time.Duration) *Timer {
	if interval <= 0 {
		interval = time.Second
	}
	t := &Timer{
		topic:    topic,
		group:    topic + "_data",
		interval: interval,
		now:      time.Now,
	}
	t.client = bus.NewClient(reg, bus.ListenerFuncs{Message: t.onMessage})
	return t
}

func (t *Timer) Name() string { return "timer" }

func (t *Timer) Group() string { return t.group }

func (t *Timer) Status() (any, error) {
	return TimerStatus{
		Topic:    t.topic,
		Group:    t.group,
		Interval: t.interval.String(),
		Joined:   t.joined.Load(),
		Ticks:    t.ticks.Load(),
		Active:   t.client.Registry().IsTopic(t.group),
	}, nil
}

func (t *Timer) Actions() map[string]Action {
	return map[string]Action{
		"tick": func() (string, error) {
			if !t.Tick() {
				return "no members", nil
			}
			return "sent", nil
		},
		"close": func() (string, error) {
			if !t.client.CloseGroup(t.group) {
				return "no group", nil
			}
			return "closed " + t.group, nil
		},
	}
}

func (t *Timer) Start() bool {
	return t.client.Subscribe(t.topic)
}

func (t *Timer) Close() {
	t.client.Close()
}

func (t *Timer) Run(ctx context.Context) error {
	t.Start()
	defer t.Close()
	log.Info().Str("node", t.client.Registry().Name()).Str("topic", t.topic).Dur("interval", t.interval).Msg("services.timer started")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick publishes the current time when the group has members.
func (t *Timer) Tick() bool {
	if !t.client.Registry().IsTopic(t.group) {
		return false
	}
	ok, err := t.client.Send(t.group, strconv.FormatInt(t.now().Unix(), 10), 0)
	if err != nil {
		log.Warn().Err(err).Str("group", t.group).Msg("services.timer send failed")
		return false
	}
	if ok {
		t.ticks.Add(1)
	}
	return ok
}

func (t *Timer) onMessage(msg *message.Message, direct bool) {
	if direct || msg.Sender() == "" {
		return
	}
	if t.client.AddToGroup(t.group, msg.Sender()) {
		t.joined.Add(1)
		log.Debug().Str("group", t.group).Str("member", msg.Sender()).Msg("services.timer member added")
	}
}
