package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mkove/focusdeck/go/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the JetStream key-value channel.
type Config struct {
	URL              string
	Bucket           string
	Key              string
	FallbackInterval time.Duration // how often to poll when the watch is quiet
	MaxReconnects    int
	ReconnectWait    time.Duration
}

// DefaultConfig returns the standard key-value channel configuration.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		Bucket:           "focus-session",
		Key:              "current",
		FallbackInterval: 30 * time.Second,
		MaxReconnects:    -1, // Infinite
		ReconnectWait:    2 * time.Second,
	}
}

// Channel replicates the session slot through a JetStream key-value bucket.
// Saves put a JSON document under a single key; subscribers follow the key
// with a watcher and fall back to revision-checked polls when it drops.
type Channel struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	kv  jetstream.KeyValue
	cfg Config

	mu        sync.Mutex
	subs      map[int]func(*models.FocusSession)
	nextID    int
	done      chan struct{}
	listening bool
	lastRev   uint64
}

// Connect dials NATS, ensures the bucket exists, and returns the channel.
// Close releases the connection.
func Connect(cfg Config) (*Channel, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	c := &Channel{
		nc:   nc,
		js:   js,
		cfg:  cfg,
		subs: make(map[int]func(*models.FocusSession)),
	}
	if err := c.ensureBucket(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	return c, nil
}

// Close releases the NATS connection. Active subscriptions stop delivering.
func (c *Channel) Close() {
	c.nc.Close()
}

// ensureBucket gets or creates the session bucket. History of 1 keeps only
// the latest revision; the slot is last-write-wins by construction.
func (c *Channel) ensureBucket(ctx context.Context) error {
	kv, err := c.js.KeyValue(ctx, c.cfg.Bucket)
	if err != nil {
		kv, err = c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      c.cfg.Bucket,
			Description: "replicated focus session slot",
			History:     1,
		})
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", c.cfg.Bucket, err)
		}
		log.Info().Str("bucket", c.cfg.Bucket).Msg("created session bucket")
	}
	c.kv = kv
	return nil
}

// Save puts the session document under the slot key.
func (c *Channel) Save(ctx context.Context, session *models.FocusSession) error {
	if session == nil {
		return fmt.Errorf("cannot save nil session")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if _, err := c.kv.Put(ctx, c.cfg.Key, data); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// FetchCurrent reads the slot key. A missing key returns (nil, nil), and a
// document that no longer parses is treated the same way.
func (c *Channel) FetchCurrent(ctx context.Context) (*models.FocusSession, error) {
	entry, err := c.kv.Get(ctx, c.cfg.Key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(entry.Value()), nil
}

// Subscribe registers a callback for slot changes. The first subscriber
// starts the watch loop; the last cancel stops it.
func (c *Channel) Subscribe(cb func(*models.FocusSession)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.listening {
		done := make(chan struct{})
		c.done = done
		c.listening = true
		go c.run(done)
	}

	c.nextID++
	id := c.nextID
	c.subs[id] = cb

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			if len(c.subs) == 0 && c.listening {
				close(c.done)
				c.listening = false
			}
		})
	}
	return cancel, nil
}

func (c *Channel) run(done chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-done
		cancel()
	}()

	fallback := time.NewTicker(c.cfg.FallbackInterval)
	defer fallback.Stop()

	var (
		watcher jetstream.KeyWatcher
		updates <-chan jetstream.KeyValueEntry
	)
	defer func() {
		if watcher != nil {
			watcher.Stop()
		}
	}()

	for {
		if watcher == nil {
			w, err := c.kv.Watch(ctx, c.cfg.Key)
			if err != nil {
				log.Error().Err(err).Str("key", c.cfg.Key).Msg("failed to watch session key")
			} else {
				watcher = w
				updates = w.Updates()
			}
		}

		select {
		case <-ctx.Done():
			return
		case entry, ok := <-updates:
			if !ok {
				// watcher died with the connection; rebuild on the next pass
				watcher.Stop()
				watcher = nil
				updates = nil
				continue
			}
			if entry == nil {
				// end-of-history marker
				continue
			}
			c.deliverEntry(entry)
		case <-fallback.C:
			c.poll(ctx)
		}
	}
}

// poll re-reads the key so a dead watcher cannot strand followers on a
// stale mirror. Revision tracking keeps repeat polls quiet.
func (c *Channel) poll(ctx context.Context) {
	entry, err := c.kv.Get(ctx, c.cfg.Key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to poll session key")
		return
	}
	c.deliverEntry(entry)
}

func (c *Channel) deliverEntry(entry jetstream.KeyValueEntry) {
	c.mu.Lock()
	if entry.Revision() <= c.lastRev {
		c.mu.Unlock()
		return
	}
	c.lastRev = entry.Revision()
	cbs := make([]func(*models.FocusSession), 0, len(c.subs))
	for _, cb := range c.subs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	var session *models.FocusSession
	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		session = nil
	default:
		session = decodeSession(entry.Value())
	}

	for _, cb := range cbs {
		cb(session.Clone())
	}
}

// decodeSession parses a slot document. Documents that fail to parse are
// treated as an empty slot so one bad write cannot wedge every follower.
func decodeSession(data []byte) *models.FocusSession {
	var s models.FocusSession
	if err := json.Unmarshal(data, &s); err != nil {
		log.Warn().Err(err).Msg("discarding malformed session document")
		return nil
	}
	return &s
}
