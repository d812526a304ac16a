package event

import (
	"context"
	"encoding/json"
	"sync"

	"fuelq-chat/protocol"
)

// Delivery is an encoded push frame addressed to a set of users.
type Delivery struct {
	To     []uint             `json:"to"`
	Action protocol.FrameType `json:"action"`
	Frame  json.RawMessage    `json:"frame"`
}

func NewDelivery(f protocol.Frame, to ...uint) (Delivery, error) {
	data, err := protocol.Encode(f)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{
		To:     to,
		Action: f.FrameType(),
		Frame:  data,
	}, nil
}

type Handler func(Delivery)

// Bus carries deliveries to every node holding connections.
type Bus interface {
	Publish(ctx context.Context, d Delivery) error
	Subscribe(h Handler)
	Close() error
}

// Publish encodes f and hands it to the bus. Empty audiences are skipped.
func Publish(ctx context.Context, bus Bus, f protocol.Frame, to ...uint) error {
	if len(to) == 0 {
		return nil
	}
	d, err := NewDelivery(f, to...)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, d)
}

// LocalBus delivers synchronously inside one process.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(_ context.Context, d Delivery) error {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(d)
	}
	return nil
}

func (b *LocalBus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

func (b *LocalBus) Close() error { return nil }
