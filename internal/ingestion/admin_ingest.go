package ingestion

import (
	"OptionClear/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// AdminIngestService provides admin/manual event injection. Admin ingest is
// for operator commands and manual event injection, not for high-throughput
// ingestion (use NATS for that). Injection is rate limited so a runaway
// operator script cannot starve the NATS path.
type AdminIngestService struct {
	eventChan chan<- event.Event
	limiter   *rate.Limiter
}

func NewAdminIngestService(eventChan chan<- event.Event, perSecond float64, burst int) *AdminIngestService {
	return &AdminIngestService{
		eventChan: eventChan,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (s *AdminIngestService) send(ctx context.Context, evt event.Event) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectDeposit manually injects a DepositConfirmed event.
func (s *AdminIngestService) InjectDeposit(
	ctx context.Context,
	userID uuid.UUID,
	amount int64,
) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	return s.send(ctx, &event.DepositConfirmed{
		DepositID: uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Sequence:  time.Now().UnixMicro(), // Admin-injected: use timestamp as sequence
		Timestamp: time.Now(),
	})
}

// InjectWithdrawal manually injects a WithdrawalRequested event.
func (s *AdminIngestService) InjectWithdrawal(
	ctx context.Context,
	userID uuid.UUID,
	amount int64,
	delay time.Duration,
) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	now := time.Now()
	return s.send(ctx, &event.WithdrawalRequested{
		WithdrawalID: uuid.New(),
		UserID:       userID,
		Amount:       amount,
		ExecutableAt: now.Add(delay),
		Sequence:     now.UnixMicro(),
		Timestamp:    now,
	})
}

// InjectExecuteRound manually injects an ExecuteRound command with the
// given close prices.
func (s *AdminIngestService) InjectExecuteRound(
	ctx context.Context,
	epoch int64,
	prices []event.ProductPrice,
) error {
	if epoch <= 0 {
		return fmt.Errorf("epoch must be positive")
	}

	return s.send(ctx, &event.ExecuteRound{
		CommandID: uuid.New(),
		Epoch:     epoch,
		Prices:    prices,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	})
}

// InjectGenesisOpen manually injects a GenesisOpenRound command. Used to
// bootstrap the round cadence and to restart it after an unpause.
func (s *AdminIngestService) InjectGenesisOpen(ctx context.Context) error {
	return s.send(ctx, &event.GenesisOpenRound{
		CommandID: uuid.New(),
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	})
}

// InjectGenesisStart manually injects a GenesisStartRound command carrying
// start prices for all tracked products.
func (s *AdminIngestService) InjectGenesisStart(
	ctx context.Context,
	prices []event.ProductPrice,
) error {
	if len(prices) == 0 {
		return fmt.Errorf("prices are required")
	}

	return s.send(ctx, &event.GenesisStartRound{
		CommandID: uuid.New(),
		Prices:    prices,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	})
}

// InjectPause manually injects a PauseRounds command.
func (s *AdminIngestService) InjectPause(ctx context.Context) error {
	return s.send(ctx, &event.PauseRounds{
		CommandID: uuid.New(),
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	})
}

// InjectUnpause manually injects an UnpauseRounds command.
func (s *AdminIngestService) InjectUnpause(ctx context.Context) error {
	return s.send(ctx, &event.UnpauseRounds{
		CommandID: uuid.New(),
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	})
}

// InjectStrategyCommand manually injects a StrategyCommand.
func (s *AdminIngestService) InjectStrategyCommand(
	ctx context.Context,
	action event.StrategyAction,
	amount int64,
) error {
	if amount < 0 {
		return fmt.Errorf("amount must be non-negative")
	}

	return s.send(ctx, &event.StrategyCommand{
		CommandID: uuid.New(),
		Action:    action,
		Amount:    amount,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	})
}
