package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Gobusters/ectologger"
)

// LocalBus delivers events to in-process handlers when Kafka is not configured. Handlers run
// asynchronously under a context detached from the publisher's cancellation.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   ectologger.Logger
	wg       sync.WaitGroup
}

func NewLocalBus(logger ectologger.Logger) *LocalBus {
	return &LocalBus{logger: logger}
}

// Subscribe registers handler for every published SyncCompleted event
func (b *LocalBus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *LocalBus) Publish(ctx context.Context, _ string, _ map[string]string, value any) error {
	// round-trip through JSON so subscribers see exactly what a Kafka consumer would
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	var evt SyncCompleted
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("failed to decode event: %w", err)
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for _, handler := range handlers {
		b.wg.Add(1)
		go func(handler Handler) {
			defer b.wg.Done()
			if err := handler(detached, evt); err != nil {
				b.logger.WithContext(detached).WithError(err).WithField("run_id", evt.RunID).Error("Event handler failed")
			}
		}(handler)
	}
	return nil
}

// Wait blocks until dispatched handlers return
func (b *LocalBus) Wait() {
	b.wg.Wait()
}
