package sse

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	redisclient "github.com/p2pshare/rendezvous-server/internal/redis"
)

const clientBufferSize = 16

// Event types pushed to subscribed peers.
const (
	EventClaimed     = "claimed"
	EventSignal      = "signal"
	EventEstablished = "established"
	EventClosed      = "closed"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Client struct {
	Subject string
	Events  chan Event
	Done    chan struct{}
}

// Broker fans events out to subscribers keyed by subject. With a redis client
// events travel through pub/sub, otherwise they are delivered in process.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // subject -> set of clients
	pubsubs map[string]context.CancelFunc
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		pubsubs: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subject names the subscriber set for one role of one code.
func Subject(code, role string) string {
	return code + ":" + role
}

func (b *Broker) Subscribe(subject string) *Client {
	client := &Client{
		Subject: subject,
		Events:  make(chan Event, clientBufferSize),
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[subject] == nil {
		b.clients[subject] = make(map[*Client]bool)
		if b.redis != nil {
			subCtx, subCancel := context.WithCancel(b.ctx)
			b.pubsubs[subject] = subCancel
			go b.subscribeToRedis(subCtx, subject)
		}
	}
	b.clients[subject][client] = true
	clientCount := len(b.clients[subject])
	b.mu.Unlock()

	log.Debug().
		Str("subject", subject).
		Int("clientCount", clientCount).
		Msg("push client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.Subject]; ok {
		if !clients[client] {
			return
		}
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.Subject)
			if cancel, ok := b.pubsubs[client.Subject]; ok {
				cancel()
				delete(b.pubsubs, client.Subject)
			}
		}

		log.Debug().
			Str("subject", client.Subject).
			Int("clientCount", len(clients)).
			Msg("push client unsubscribed")
	}
}

func (b *Broker) Publish(ctx context.Context, subject string, event Event) error {
	if b.redis == nil {
		b.broadcast(subject, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.redis.Publish(ctx, redisclient.SignalChannel(subject), data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, subject string) {
	channel := redisclient.SignalChannel(subject)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("subject", subject).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(subject, event)
		}
	}
}

func (b *Broker) broadcast(subject string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients[subject] {
		select {
		case client.Events <- event:
		default:
			// Signal events only say "poll now"; a full buffer already holds one.
			log.Debug().
				Str("subject", subject).
				Str("type", event.Type).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
	b.pubsubs = make(map[string]context.CancelFunc)
}

func (b *Broker) ClientCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[subject])
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}
