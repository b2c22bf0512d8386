// Package executor sends validated signals to a broker connector and
// persists the resulting lifecycle transition.
package executor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/storage"
)

// Executor routes signals to broker connectors.
type Executor struct {
	store *storage.Store
	log   zerolog.Logger

	mu            sync.Mutex
	lastRejection string
}

// New creates an executor.
func New(store *storage.Store, log zerolog.Logger) *Executor {
	return &Executor{
		store: store,
		log:   log.With().Str("component", "executor").Logger(),
	}
}

// ExecuteSignal places the order and persists the status transition:
// PENDING -> EXECUTED on a fill, PENDING -> EXPIRED on a rejection. The
// broker's result is returned either way.
func (e *Executor) ExecuteSignal(sig domain.Signal, connector domain.BrokerConnector, volume float64) (domain.ExecutionResult, error) {
	if connector == nil || !connector.IsConnected() {
		e.setRejection("broker not connected")
		return domain.ExecutionResult{Success: false, Reason: "broker not connected"},
			fmt.Errorf("broker not connected for signal %s", sig.ID)
	}
	if volume <= 0 {
		e.setRejection("zero volume")
		return domain.ExecutionResult{Success: false, Reason: "zero volume"},
			fmt.Errorf("cannot execute signal %s with volume %.4f", sig.ID, volume)
	}

	result, err := connector.ExecuteOrder(sig, volume)
	if err != nil {
		e.setRejection(err.Error())
		e.log.Error().Err(err).
			Str("signal_id", sig.ID).
			Str("symbol", sig.Symbol).
			Msg("Order placement failed")
		return domain.ExecutionResult{Success: false, Reason: err.Error()}, err
	}

	if !result.Success {
		e.setRejection(result.Reason)
		e.log.Warn().
			Str("signal_id", sig.ID).
			Str("symbol", sig.Symbol).
			Str("reason", result.Reason).
			Msg("Order rejected by broker")
		if err := e.store.UpdateSignalStatus(sig.ID, domain.SignalExpired); err != nil {
			e.log.Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to persist EXPIRED status")
		}
		return result, nil
	}

	e.setRejection("")
	e.log.Info().
		Str("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("ticket", result.Ticket).
		Float64("price", result.Price).
		Float64("volume", result.Volume).
		Msg("Order executed")
	if err := e.store.UpdateSignalStatus(sig.ID, domain.SignalExecuted); err != nil {
		e.log.Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to persist EXECUTED status")
	}
	return result, nil
}

// LastRejectionReason returns the most recent rejection, empty when the
// last order went through.
func (e *Executor) LastRejectionReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRejection
}

func (e *Executor) setRejection(reason string) {
	e.mu.Lock()
	e.lastRejection = reason
	e.mu.Unlock()
}
