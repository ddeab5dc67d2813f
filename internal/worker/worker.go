// Package worker provides a NATS worker that turns processed text into stored
// audio.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/pipeline"
	"github.com/book-expert/tts-server/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const defaultHandleTimeout = 5 * time.Minute

var (
	// ErrTextKeyEmpty indicates an event that points at no text.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrSubjectEmpty indicates a worker configured without a subject.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
)

// Generator starts generation jobs. Jobs started with Hold keep a reader on
// their artifact until released.
type Generator interface {
	Start(ctx context.Context, req pipeline.Request) (*pipeline.Job, error)
}

// bucketNamer is implemented by object stores that can name their bucket.
type bucketNamer interface {
	Bucket() string
}

// Config holds the worker's subscription settings.
type Config struct {
	Subject    string
	QueueGroup string
	// ReplySubject receives AudioChunkCreatedEvents for messages that carry
	// no reply inbox.
	ReplySubject string
	// HandleTimeout bounds one message from download to reply.
	HandleTimeout time.Duration
}

// NatsWorker listens for TextProcessedEvents, generates their audio into the
// TEMP pool and publishes it to the audio bucket.
type NatsWorker struct {
	natsConnection *nats.Conn
	cfg            Config
	texts          core.ObjectStore
	audio          core.ObjectStore
	generator      Generator
	audioBucket    string
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	cfg Config,
	texts core.ObjectStore,
	audio core.ObjectStore,
	generator Generator,
	log *logger.Logger,
) (*NatsWorker, error) {
	if strings.TrimSpace(cfg.Subject) == "" {
		return nil, ErrSubjectEmpty
	}

	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaultHandleTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		cfg:            cfg,
		texts:          texts,
		audio:          audio,
		generator:      generator,
		audioBucket:    bucketName(audio),
		log:            log,
	}, nil
}

// Run subscribes and processes messages until ctx is canceled, then drains
// the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	handler := func(msg *nats.Msg) { w.handleMessage(ctx, msg) }

	var (
		sub *nats.Subscription
		err error
	)

	if w.cfg.QueueGroup != "" {
		sub, err = w.natsConnection.QueueSubscribe(w.cfg.Subject, w.cfg.QueueGroup, handler)
	} else {
		sub, err = w.natsConnection.Subscribe(w.cfg.Subject, handler)
	}

	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.cfg.Subject, err)
	}

	w.log.Info("Listening for text on %s", w.cfg.Subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(parent context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.cfg.HandleTimeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse event: %v", err)

		return
	}

	info, err := w.process(ctx, event)
	if err != nil {
		w.log.Error("Failed to process TTS job for workflow %s (%s): %v",
			event.Header.WorkflowID, core.Code(err), err)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   info.ID,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}
	replyEvent.Header.EventID = uuid.NewString()
	replyEvent.Header.Timestamp = time.Now()

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// process downloads the text, generates it into TEMP and uploads the sealed
// artifact under its id.
func (w *NatsWorker) process(ctx context.Context, event *events.TextProcessedEvent) (store.Info, error) {
	if strings.TrimSpace(event.TextKey) == "" {
		return store.Info{}, ErrTextKeyEmpty
	}

	textData, err := w.texts.Download(ctx, event.TextKey)
	if err != nil {
		return store.Info{}, fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	job, err := w.generator.Start(ctx, pipeline.Request{
		ID:    uuid.NewString(),
		Text:  string(textData),
		Voice: event.Voice,
		Hold:  true,
	})
	if err != nil {
		return store.Info{}, fmt.Errorf("failed to generate audio for key '%s': %w", event.TextKey, err)
	}
	defer job.Release()

	info, err := job.Wait(ctx)
	if err != nil {
		return store.Info{}, fmt.Errorf("failed to generate audio for key '%s': %w", event.TextKey, err)
	}

	reader := job.Reader()
	if reader == nil {
		return store.Info{}, fmt.Errorf("failed to open artifact %s: %w", info.ID, core.ErrNotFound)
	}

	err = w.audio.UploadStream(ctx, info.ID, reader)
	if err != nil {
		return store.Info{}, fmt.Errorf("failed to upload audio data for key '%s': %w", info.ID, err)
	}

	w.log.Info("Published %s of audio for %s to %s as %s",
		humanize.IBytes(uint64(info.SizeBytes)), event.TextKey, w.audioBucket, info.ID)

	return info, nil
}

func bucketName(objects core.ObjectStore) string {
	if named, ok := objects.(bucketNamer); ok {
		return named.Bucket()
	}

	return "object store"
}

// publishReplyEvent marshals and responds with the AudioChunkCreatedEvent,
// falling back to ReplySubject for fire-and-forget messages.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	if msg.Reply == "" {
		if w.cfg.ReplySubject == "" {
			return nil
		}

		err = w.natsConnection.Publish(w.cfg.ReplySubject, replyData)
		if err != nil {
			return fmt.Errorf("failed to publish reply event to %s: %w", w.cfg.ReplySubject, err)
		}

		return nil
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func parseEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}
