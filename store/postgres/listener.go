package postgres

import (
	"fmt"
	"log/slog"
	stdSync "sync"
	"time"

	"github.com/lib/pq"
)

// OutboxListener holds a LISTEN connection on OutboxChannel and calls a
// callback for every notification. pq.Listener reconnects on its own; a
// reconnect also fires the callback since notifications may have been lost.
type OutboxListener struct {
	listener *pq.Listener
	logger   *slog.Logger
	done     chan struct{}
	once     stdSync.Once
	wg       stdSync.WaitGroup

	pingInterval time.Duration
}

// NewOutboxListener creates a listener. Nothing is received until Start.
func NewOutboxListener(connectionString string, logger *slog.Logger) (*OutboxListener, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &OutboxListener{
		logger:       logger.With("listener", OutboxChannel),
		done:         make(chan struct{}),
		pingInterval: 90 * time.Second,
	}
	l.listener = pq.NewListener(connectionString, 5*time.Second, time.Minute, l.eventCallback)
	return l, nil
}

func (l *OutboxListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Debug("connected to PostgreSQL for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("disconnected from PostgreSQL", "error", err)
	case pq.ListenerEventReconnected:
		l.logger.Info("reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("connection attempt failed", "error", err)
	}
}

// Start subscribes to the outbox channel and runs onNotify for every
// notification until Close.
func (l *OutboxListener) Start(onNotify func()) error {
	if err := l.listener.Listen(OutboxChannel); err != nil {
		return fmt.Errorf("failed to listen to channel %s: %w", OutboxChannel, err)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case n := <-l.listener.Notify:
				// A nil notification means the connection was re-established.
				if n == nil {
					l.logger.Debug("listener reconnected, waking outbox")
				}
				onNotify()
			case <-ticker.C:
				if err := l.listener.Ping(); err != nil {
					l.logger.Warn("ping failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Close stops the listener. Safe to call more than once.
func (l *OutboxListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.listener.Close()
	})
	return err
}
