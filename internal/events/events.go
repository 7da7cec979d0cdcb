// Package events implements the typed command/event channel design note
// of spec.md §9: a single consumer task per side, communicating via
// tagged variants instead of ad hoc callbacks.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// EventType tags the events exposed to collaborators per spec.md §6.
type EventType int

const (
	EventPreflightReady EventType = iota + 1
	EventProgress
	EventAssembling
	EventComplete
	EventError
	EventCancelled
)

func (e EventType) String() string {
	switch e {
	case EventPreflightReady:
		return "PREFLIGHT_READY"
	case EventProgress:
		return "PROGRESS"
	case EventAssembling:
		return "ASSEMBLING"
	case EventComplete:
		return "COMPLETE"
	case EventError:
		return "ERROR"
	case EventCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// TransferEvent is the tagged variant emitted on the per-transfer event
// channel. Only the fields relevant to Type are populated.
type TransferEvent struct {
	TransferID string
	Type       EventType

	// PreflightReady
	Packet any

	// Progress
	Progress    float64
	Speed       float64
	ETA         float64
	BytesDone   int64
	ChunksDone  int
	TotalChunks uint32
	WindowSize  int

	// Complete
	Handle        any
	Name          string
	Size          int64
	AverageSpeed  float64
	TotalTime     float64

	// Error
	Message string
}

// Subscription is one consumer's view of a Publisher's event stream.
type Subscription struct {
	ID              string
	TransferIDFilter string
	Channel         chan *TransferEvent
}

// Publisher fans out TransferEvents to every matching Subscription,
// non-blocking so a slow consumer never stalls the sender/receiver loop.
type Publisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	bufferSize    int
}

// NewPublisher constructs a Publisher whose per-subscription channels are
// buffered to bufferSize.
func NewPublisher(bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Publisher{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    bufferSize,
	}
}

// Subscribe registers a new consumer, optionally filtered to one
// transferId (empty string subscribes to every transfer).
func (p *Publisher) Subscribe(transferIDFilter string) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription{
		ID:               uuid.New().String(),
		TransferIDFilter: transferIDFilter,
		Channel:          make(chan *TransferEvent, p.bufferSize),
	}
	p.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (p *Publisher) Unsubscribe(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sub, ok := p.subscriptions[subscriptionID]; ok {
		close(sub.Channel)
		delete(p.subscriptions, subscriptionID)
	}
}

// Publish broadcasts ev to every subscription whose filter matches.
func (p *Publisher) Publish(ev *TransferEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subscriptions {
		if sub.TransferIDFilter != "" && sub.TransferIDFilter != ev.TransferID {
			continue
		}
		select {
		case sub.Channel <- ev:
		default:
			// slow consumer: drop rather than block the transfer loop
		}
	}
}

func (p *Publisher) PublishPreflightReady(transferID string, packet any) {
	p.Publish(&TransferEvent{TransferID: transferID, Type: EventPreflightReady, Packet: packet})
}

func (p *Publisher) PublishProgress(transferID string, progress, speed, eta float64, bytesDone int64, chunksDone int, totalChunks uint32, windowSize int) {
	p.Publish(&TransferEvent{
		TransferID:  transferID,
		Type:        EventProgress,
		Progress:    progress,
		Speed:       speed,
		ETA:         eta,
		BytesDone:   bytesDone,
		ChunksDone:  chunksDone,
		TotalChunks: totalChunks,
		WindowSize:  windowSize,
	})
}

func (p *Publisher) PublishAssembling(transferID string) {
	p.Publish(&TransferEvent{TransferID: transferID, Type: EventAssembling})
}

func (p *Publisher) PublishComplete(transferID string, handle any, name string, size int64, averageSpeed, totalTime float64) {
	p.Publish(&TransferEvent{
		TransferID:   transferID,
		Type:         EventComplete,
		Handle:       handle,
		Name:         name,
		Size:         size,
		AverageSpeed: averageSpeed,
		TotalTime:    totalTime,
	})
}

func (p *Publisher) PublishError(transferID, message string) {
	p.Publish(&TransferEvent{TransferID: transferID, Type: EventError, Message: message})
}

func (p *Publisher) PublishCancelled(transferID string) {
	p.Publish(&TransferEvent{TransferID: transferID, Type: EventCancelled})
}

// SubscriptionCount reports how many consumers are currently registered.
func (p *Publisher) SubscriptionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}
