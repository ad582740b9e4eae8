package store

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter buffers audit events and writes them asynchronously so that
// termination and pipeline paths never block on the database.
type AuditWriter struct {
	db   *DB
	ch   chan *AuditEvent
	wg   sync.WaitGroup
	done chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan *AuditEvent, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *AuditWriter) Log(event *AuditEvent) {
	select {
	case w.ch <- event:
	default:
		log.Warn().Str("kind", event.Kind).Str("subject", event.SubjectID).
			Msg("audit buffer full, dropping event")
	}
}

func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case event := <-w.ch:
			w.writeWithRetry(event)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case event := <-w.ch:
					w.writeWithRetry(event)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(event *AuditEvent) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.InsertAuditEvent(ctx, event)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("kind", event.Kind).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("kind", event.Kind).
				Str("subject", event.SubjectID).
				Msg("audit write failed permanently after retries")
		}
	}
}
