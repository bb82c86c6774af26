package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds events
// into the deterministic core via the eventChan. NATS JetStream is the
// primary high-throughput ingestion surface; each subject maps to an
// event type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
}

// RawEvent is the parsed-but-untyped event from NATS, ready for the shell
// to validate and convert into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "optc.balances.deposit.>", EventType: "DepositConfirmed", ConsumerName: "clearing-deposit", StreamName: "OPTC_BALANCES"},
		{Subject: "optc.balances.withdraw.request.>", EventType: "WithdrawalRequested", ConsumerName: "clearing-wd-request", StreamName: "OPTC_BALANCES"},
		{Subject: "optc.balances.withdraw.execute.>", EventType: "WithdrawalExecuted", ConsumerName: "clearing-wd-execute", StreamName: "OPTC_BALANCES"},
		{Subject: "optc.balances.withdraw.cancel.>", EventType: "WithdrawalCancelled", ConsumerName: "clearing-wd-cancel", StreamName: "OPTC_BALANCES"},
		{Subject: "optc.orders.fills.>", EventType: "OrderFillBatch", ConsumerName: "clearing-orders", StreamName: "OPTC_ORDERS"},
		{Subject: "optc.rounds.genesis.open", EventType: "GenesisOpenRound", ConsumerName: "clearing-genesis-open", StreamName: "OPTC_ROUNDS"},
		{Subject: "optc.rounds.genesis.start", EventType: "GenesisStartRound", ConsumerName: "clearing-genesis-start", StreamName: "OPTC_ROUNDS"},
		{Subject: "optc.rounds.execute", EventType: "ExecuteRound", ConsumerName: "clearing-execute", StreamName: "OPTC_ROUNDS"},
		{Subject: "optc.rounds.pause", EventType: "PauseRounds", ConsumerName: "clearing-pause", StreamName: "OPTC_ROUNDS"},
		{Subject: "optc.rounds.unpause", EventType: "UnpauseRounds", ConsumerName: "clearing-unpause", StreamName: "OPTC_ROUNDS"},
		{Subject: "optc.rounds.manual-end", EventType: "ManualRoundEnd", ConsumerName: "clearing-manual-end", StreamName: "OPTC_ROUNDS"},
		{Subject: "optc.vault.deposit.request.>", EventType: "VaultDepositRequest", ConsumerName: "clearing-vault-deposit", StreamName: "OPTC_VAULT"},
		{Subject: "optc.vault.redeem.request.>", EventType: "VaultRedeemRequest", ConsumerName: "clearing-vault-redeem", StreamName: "OPTC_VAULT"},
		{Subject: "optc.vault.deposit.claim.>", EventType: "VaultClaimDeposit", ConsumerName: "clearing-vault-claim-dep", StreamName: "OPTC_VAULT"},
		{Subject: "optc.vault.redeem.claim.>", EventType: "VaultClaimRedeem", ConsumerName: "clearing-vault-claim-red", StreamName: "OPTC_VAULT"},
		{Subject: "optc.strategy.command.>", EventType: "StrategyCommand", ConsumerName: "clearing-strategy", StreamName: "OPTC_STRATEGY"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "OPTC_BALANCES",
			Subjects:  []string{"optc.balances.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "OPTC_ORDERS",
			Subjects:  []string{"optc.orders.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "OPTC_ROUNDS",
			Subjects:  []string{"optc.rounds.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "OPTC_VAULT",
			Subjects:  []string{"optc.vault.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "OPTC_STRATEGY",
			Subjects:  []string{"optc.strategy.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "OPTC_PRICES",
			Subjects:  []string{"optc.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// SubscribePrices feeds oracle quotes from the price subject into handler.
// Prices are not core events; gaps and reordering are tolerated, so the
// consumer delivers new messages only.
func (ns *NATSSubscriber) SubscribePrices(ctx context.Context, handler func(subject string, data []byte)) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, "OPTC_PRICES", jetstream.ConsumerConfig{
		Durable:       "clearing-prices",
		FilterSubject: "optc.prices.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    1,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer clearing-prices: %w", err)
	}

	consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(msg.Subject(), msg.Data())
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume clearing-prices: %w", err)
	}

	ns.consumers = append(ns.consumers, consumerContext)
	log.Printf("INFO: subscribed to optc.prices.> (consumer=clearing-prices)")
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
