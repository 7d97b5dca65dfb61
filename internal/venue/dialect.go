// Package venue maintains streaming sessions against upstream market data
// venues and normalizes their payloads into canonical ticks.
package venue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cryptopulse/marketpipe/pkg/models"
)

// Dialect translates between one venue's wire protocol and canonical ticks.
// Implementations must be safe for use by a single connector goroutine;
// they hold no session state.
type Dialect interface {
	// Name returns the dialect identifier used in configuration.
	Name() string

	// SubscribePayload builds the message that subscribes the session to
	// the given canonical instruments. A nil payload means the venue
	// encodes subscriptions in the URL instead.
	SubscribePayload(instruments []string) (interface{}, error)

	// Parse normalizes one raw frame. Control frames (acks, heartbeats)
	// yield an empty slice and nil error. Auth or protocol rejections
	// surface as AuthProtocolError; everything else unparsable as
	// MalformedMessageError.
	Parse(raw []byte) ([]models.Tick, error)
}

var (
	dialectMu sync.RWMutex
	dialects  = make(map[string]func() Dialect)
)

// RegisterDialect makes a dialect available by name. Dialect files call
// this from init.
func RegisterDialect(name string, factory func() Dialect) {
	dialectMu.Lock()
	defer dialectMu.Unlock()
	dialects[name] = factory
}

// NewDialect builds the named dialect or reports the known set.
func NewDialect(name string) (Dialect, error) {
	dialectMu.RLock()
	factory, ok := dialects[name]
	dialectMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown venue dialect %q (have %v)", name, DialectNames())
	}
	return factory(), nil
}

// DialectNames lists registered dialects, sorted for stable messages.
func DialectNames() []string {
	dialectMu.RLock()
	defer dialectMu.RUnlock()
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
