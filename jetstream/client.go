package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/feedwright/feedwright/config"
	"github.com/feedwright/feedwright/metrics"
	"github.com/feedwright/feedwright/storage"
)

const streamName = "jetstream"

// wantedCollections is the set of AT Proto collection NSIDs requested from
// Jetstream.
var wantedCollections = []string{
	CollectionPost,
	CollectionLike,
	CollectionRepost,
}

// Projector applies one decoded commit batch to storage.
type Projector interface {
	Apply(ctx context.Context, batch CommitBatch) error
}

// Client consumes the Jetstream commit firehose and feeds decoded batches
// to the projector. The in-memory cursor only advances after the
// projector's writes land, and is persisted on an interval plus once at
// teardown, so a crash replays events rather than losing them.
type Client struct {
	url       string
	store     *storage.Store
	projector Projector
	reconnect time.Duration
	saveEvery time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewClient(cfg config.JetstreamConfig, store *storage.Store, projector Projector) *Client {
	reconnect := time.Duration(cfg.ReconnectDelayMs) * time.Millisecond
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	saveEvery := time.Duration(cfg.CursorSaveIntervalS) * time.Second
	if saveEvery <= 0 {
		saveEvery = 5 * time.Second
	}
	return &Client{
		url:       cfg.URL,
		store:     store,
		projector: projector,
		reconnect: reconnect,
		saveEvery: saveEvery,
		stopChan:  make(chan struct{}),
	}
}

func (c *Client) Start(ctx context.Context) {
	log.Printf("Jetstream: starting consumer for %v", wantedCollections)
	c.wg.Add(1)
	go c.run(ctx)
}

func (c *Client) Stop() {
	close(c.stopChan)
	c.wg.Wait()
	log.Println("Jetstream: stopped")
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		default:
		}

		if err := c.connectAndConsume(ctx); err != nil {
			log.Printf("Jetstream: connection error: %v", err)
			metrics.Reconnects.Inc()
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-time.After(c.reconnect):
			log.Printf("Jetstream: reconnecting to %s", c.url)
		}
	}
}

func (c *Client) buildURL(cursor int64) string {
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := u.Query()
	for _, coll := range wantedCollections {
		q.Add("wantedCollections", coll)
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) connectAndConsume(ctx context.Context) error {
	cursor, err := c.store.GetCursor(ctx, streamName)
	if err != nil {
		log.Printf("Jetstream: failed to load cursor, starting from live: %v", err)
		cursor = 0
	}
	if cursor > 0 {
		log.Printf("Jetstream: resuming from stored cursor %d", cursor)
	} else {
		log.Println("Jetstream: no stored cursor, starting from live")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.buildURL(cursor), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial jetstream: %w", err)
	}
	defer conn.Close()
	log.Printf("Jetstream: connected to %s", c.url)

	// ReadMessage blocks with no context hook; closing the connection from
	// the side is the sanctioned way to unblock it on shutdown.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.stopChan:
		case <-readDone:
			return
		}
		conn.Close()
	}()

	var (
		latest        = cursor
		lastSave      = time.Now()
		lastStats     = time.Now()
		eventsSeen    int64
		commitsStored int64
	)
	defer func() {
		c.flushCursor(latest)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.stopping() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		ev, err := parseEvent(message)
		if err != nil {
			log.Printf("Jetstream: skipping undecodable event: %v", err)
			continue
		}
		eventsSeen++

		batch, collection, err := ev.batch(time.Now())
		if collection != "" {
			metrics.EventsReceived.WithLabelValues(collection).Inc()
		}
		if err != nil {
			if errors.Is(err, ErrMalformedRecord) {
				metrics.MalformedRecords.Inc()
				log.Printf("Jetstream: skipping event at %d: %v", ev.TimeUS, err)
				latest = ev.TimeUS
				continue
			}
			return err
		}

		if !batch.Empty() {
			if err := c.projector.Apply(ctx, batch); err != nil {
				// Leave the cursor where it is; the reconnect replays
				// this event.
				return fmt.Errorf("apply commit at %d: %w", ev.TimeUS, err)
			}
			commitsStored++
		}
		latest = ev.TimeUS

		if time.Since(lastStats) >= 30*time.Second {
			log.Printf("Jetstream: %d events received, %d commits stored", eventsSeen, commitsStored)
			lastStats = time.Now()
		}

		if time.Since(lastSave) >= c.saveEvery && latest > 0 {
			if err := c.store.SaveCursor(ctx, streamName, latest); err != nil {
				log.Printf("Jetstream: failed to save cursor: %v", err)
			} else {
				lastSave = time.Now()
			}
		}
	}
}

func (c *Client) stopping() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

// flushCursor persists the cursor on teardown. The parent context is
// usually cancelled by then, so it runs on its own deadline.
func (c *Client) flushCursor(latest int64) {
	if latest <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SaveCursor(ctx, streamName, latest); err != nil {
		log.Printf("Jetstream: failed to flush cursor at teardown: %v", err)
		return
	}
	log.Printf("Jetstream: cursor flushed at %d", latest)
}
