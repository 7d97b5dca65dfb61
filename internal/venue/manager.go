package venue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/internal/config"
	pkgerrors "github.com/cryptopulse/marketpipe/pkg/errors"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

// Manager runs one connector per configured venue. Venues fail and recover
// independently; only a fatal session rejection reaches Fatal().
type Manager struct {
	connectors []*Connector
	logger     *zap.Logger

	wg    sync.WaitGroup
	fatal chan error
}

// NewManager builds connectors for every configured venue. Venues without
// their own instrument list subscribe to the global one.
func NewManager(cfg *config.Config, sink TickSink, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("venue"),
		fatal:  make(chan error, len(cfg.Venues)),
	}
	for _, vc := range cfg.Venues {
		conn, err := NewConnector(vc, cfg.Backoff, cfg.Instruments, sink, m.logger)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", vc.Name, err)
		}
		m.connectors = append(m.connectors, conn)
	}
	return m, nil
}

// Start launches every connector. It returns immediately; Wait blocks
// until all connectors have stopped.
func (m *Manager) Start(ctx context.Context) {
	for _, conn := range m.connectors {
		m.wg.Add(1)
		go func(c *Connector) {
			defer m.wg.Done()
			err := c.Run(ctx)
			if err != nil && pkgerrors.IsFatal(err) {
				select {
				case m.fatal <- fmt.Errorf("venue %s: %w", c.Name(), err):
				default:
				}
			}
		}(conn)
	}
	m.logger.Info("venue connectors started", zap.Int("count", len(m.connectors)))
}

// Wait blocks until every connector goroutine has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Fatal delivers non-retryable venue rejections to the process supervisor.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// SetInstruments replaces the subscription set on every venue.
func (m *Manager) SetInstruments(instruments []string) {
	for _, c := range m.connectors {
		c.SetInstruments(instruments)
	}
	m.logger.Info("instrument set updated", zap.Strings("instruments", instruments))
}

// Status snapshots every venue's health for the facade.
func (m *Manager) Status() []models.VenueStatus {
	out := make([]models.VenueStatus, 0, len(m.connectors))
	for _, c := range m.connectors {
		out = append(out, c.Status())
	}
	return out
}
