package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"OptionClear/internal/event"
	"OptionClear/internal/oracle"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending anything to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "DepositConfirmed":
		return parseDepositConfirmed(raw.Data)
	case "WithdrawalRequested":
		return parseWithdrawalRequested(raw.Data)
	case "WithdrawalExecuted":
		return parseWithdrawalExecuted(raw.Data)
	case "WithdrawalCancelled":
		return parseWithdrawalCancelled(raw.Data)
	case "OrderFillBatch":
		return parseOrderFillBatch(raw.Data)
	case "GenesisOpenRound":
		return parseGenesisOpenRound(raw.Data)
	case "GenesisStartRound":
		return parseGenesisStartRound(raw.Data)
	case "ExecuteRound":
		return parseExecuteRound(raw.Data)
	case "PauseRounds":
		return parsePauseRounds(raw.Data)
	case "UnpauseRounds":
		return parseUnpauseRounds(raw.Data)
	case "ManualRoundEnd":
		return parseManualRoundEnd(raw.Data)
	case "VaultDepositRequest":
		return parseVaultDepositRequest(raw.Data)
	case "VaultRedeemRequest":
		return parseVaultRedeemRequest(raw.Data)
	case "VaultClaimDeposit":
		return parseVaultClaimDeposit(raw.Data)
	case "VaultClaimRedeem":
		return parseVaultClaimRedeem(raw.Data)
	case "StrategyCommand":
		return parseStrategyCommand(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.DepositConfirmed{
		DepositID: depositID,
		UserID:    userID,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID   string `json:"withdrawal_id"`
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	ExecutableAtUs int64  `json:"executable_at_us,omitempty"`
	Sequence       int64  `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.WithdrawalRequested{
		WithdrawalID: wdID,
		UserID:       userID,
		Amount:       j.Amount,
		ExecutableAt: time.UnixMicro(j.ExecutableAtUs),
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawalExecuted(data []byte) (*event.WithdrawalExecuted, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalExecuted: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.WithdrawalExecuted{
		WithdrawalID: wdID,
		UserID:       userID,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawalCancelled(data []byte) (*event.WithdrawalCancelled, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalCancelled: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.WithdrawalCancelled{
		WithdrawalID: wdID,
		UserID:       userID,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type filledOrderJSON struct {
	Idx           int64  `json:"idx"`
	Epoch         int64  `json:"epoch"`
	Product       string `json:"product"`
	OverUser      string `json:"over_user"`
	UnderUser     string `json:"under_user"`
	OverPrice     int64  `json:"over_price"`
	UnderPrice    int64  `json:"under_price"`
	Unit          int64  `json:"unit"`
	OverRedeemed  int64  `json:"over_redeemed"`
	UnderRedeemed int64  `json:"under_redeemed"`
}

type orderFillBatchJSON struct {
	BatchID     string            `json:"batch_id"`
	Product     string            `json:"product"`
	Epoch       int64             `json:"epoch"`
	Orders      []filledOrderJSON `json:"orders"`
	Sequence    int64             `json:"sequence"`
	TimestampUs int64             `json:"timestamp_us"`
}

func parseOrderFillBatch(data []byte) (*event.OrderFillBatch, error) {
	var j orderFillBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OrderFillBatch: %w", err)
	}
	batchID, err := uuid.Parse(j.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}

	orders := make([]event.FilledOrder, 0, len(j.Orders))
	for i, oj := range j.Orders {
		overUser, err := uuid.Parse(oj.OverUser)
		if err != nil {
			return nil, fmt.Errorf("parse orders[%d].over_user: %w", i, err)
		}
		underUser, err := uuid.Parse(oj.UnderUser)
		if err != nil {
			return nil, fmt.Errorf("parse orders[%d].under_user: %w", i, err)
		}
		orders = append(orders, event.FilledOrder{
			Idx:           oj.Idx,
			Epoch:         oj.Epoch,
			Product:       oj.Product,
			OverUser:      overUser,
			UnderUser:     underUser,
			OverPrice:     oj.OverPrice,
			UnderPrice:    oj.UnderPrice,
			Unit:          oj.Unit,
			OverRedeemed:  oj.OverRedeemed,
			UnderRedeemed: oj.UnderRedeemed,
		})
	}

	return &event.OrderFillBatch{
		BatchID:   batchID,
		Product:   j.Product,
		Epoch:     j.Epoch,
		Orders:    orders,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type productPriceJSON struct {
	Product       string `json:"product"`
	Price         int64  `json:"price"`
	PublishTimeUs int64  `json:"publish_time_us"`
}

func pricesFromJSON(prices []productPriceJSON) []event.ProductPrice {
	out := make([]event.ProductPrice, 0, len(prices))
	for _, p := range prices {
		out = append(out, event.ProductPrice{
			Product:     p.Product,
			Price:       p.Price,
			PublishTime: time.UnixMicro(p.PublishTimeUs),
		})
	}
	return out
}

type roundCommandJSON struct {
	CommandID   string             `json:"command_id"`
	Epoch       int64              `json:"epoch,omitempty"`
	Prices      []productPriceJSON `json:"prices,omitempty"`
	InitDateUs  int64              `json:"init_date_us,omitempty"`
	Sequence    int64              `json:"sequence"`
	TimestampUs int64              `json:"timestamp_us"`
}

func parseRoundCommand(data []byte, what string) (roundCommandJSON, uuid.UUID, error) {
	var j roundCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return j, uuid.Nil, fmt.Errorf("parse %s: %w", what, err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return j, uuid.Nil, fmt.Errorf("parse command_id: %w", err)
	}
	return j, commandID, nil
}

func parseGenesisOpenRound(data []byte) (*event.GenesisOpenRound, error) {
	j, commandID, err := parseRoundCommand(data, "GenesisOpenRound")
	if err != nil {
		return nil, err
	}
	return &event.GenesisOpenRound{
		CommandID: commandID,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseGenesisStartRound(data []byte) (*event.GenesisStartRound, error) {
	j, commandID, err := parseRoundCommand(data, "GenesisStartRound")
	if err != nil {
		return nil, err
	}
	return &event.GenesisStartRound{
		CommandID: commandID,
		Prices:    pricesFromJSON(j.Prices),
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseExecuteRound(data []byte) (*event.ExecuteRound, error) {
	j, commandID, err := parseRoundCommand(data, "ExecuteRound")
	if err != nil {
		return nil, err
	}
	return &event.ExecuteRound{
		CommandID: commandID,
		Epoch:     j.Epoch,
		Prices:    pricesFromJSON(j.Prices),
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parsePauseRounds(data []byte) (*event.PauseRounds, error) {
	j, commandID, err := parseRoundCommand(data, "PauseRounds")
	if err != nil {
		return nil, err
	}
	return &event.PauseRounds{
		CommandID: commandID,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseUnpauseRounds(data []byte) (*event.UnpauseRounds, error) {
	j, commandID, err := parseRoundCommand(data, "UnpauseRounds")
	if err != nil {
		return nil, err
	}
	return &event.UnpauseRounds{
		CommandID: commandID,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseManualRoundEnd(data []byte) (*event.ManualRoundEnd, error) {
	j, commandID, err := parseRoundCommand(data, "ManualRoundEnd")
	if err != nil {
		return nil, err
	}
	return &event.ManualRoundEnd{
		CommandID: commandID,
		Epoch:     j.Epoch,
		Prices:    pricesFromJSON(j.Prices),
		InitDate:  time.UnixMicro(j.InitDateUs),
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type vaultRequestJSON struct {
	RequestID   string `json:"request_id"`
	UserID      string `json:"user_id"`
	Assets      int64  `json:"assets,omitempty"`
	Shares      int64  `json:"shares,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseVaultDepositRequest(data []byte) (*event.VaultDepositRequest, error) {
	var j vaultRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VaultDepositRequest: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.VaultDepositRequest{
		RequestID: requestID,
		UserID:    userID,
		Assets:    j.Assets,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseVaultRedeemRequest(data []byte) (*event.VaultRedeemRequest, error) {
	var j vaultRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VaultRedeemRequest: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.VaultRedeemRequest{
		RequestID: requestID,
		UserID:    userID,
		Shares:    j.Shares,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type vaultClaimJSON struct {
	ClaimID     string `json:"claim_id"`
	UserID      string `json:"user_id"`
	Epoch       int64  `json:"epoch"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseVaultClaimDeposit(data []byte) (*event.VaultClaimDeposit, error) {
	var j vaultClaimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VaultClaimDeposit: %w", err)
	}
	claimID, err := uuid.Parse(j.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("parse claim_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.VaultClaimDeposit{
		ClaimID:   claimID,
		UserID:    userID,
		Epoch:     j.Epoch,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseVaultClaimRedeem(data []byte) (*event.VaultClaimRedeem, error) {
	var j vaultClaimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VaultClaimRedeem: %w", err)
	}
	claimID, err := uuid.Parse(j.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("parse claim_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.VaultClaimRedeem{
		ClaimID:   claimID,
		UserID:    userID,
		Epoch:     j.Epoch,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type strategyCommandJSON struct {
	CommandID   string `json:"command_id"`
	Action      string `json:"action"`
	Amount      int64  `json:"amount,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseStrategyCommand(data []byte) (*event.StrategyCommand, error) {
	var j strategyCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse StrategyCommand: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}

	var action event.StrategyAction
	switch j.Action {
	case "utilize":
		action = event.StrategyActionUtilize
	case "deutilize":
		action = event.StrategyActionDeutilize
	case "rebalance":
		action = event.StrategyActionRebalance
	case "emergency":
		action = event.StrategyActionEmergency
	case "clear_emergency":
		action = event.StrategyActionClearEmergency
	default:
		return nil, fmt.Errorf("unknown strategy action: %q", j.Action)
	}

	return &event.StrategyCommand{
		CommandID: commandID,
		Action:    action,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

// ParsePriceQuote parses one feed message from optc.prices.{product}.
func ParsePriceQuote(data []byte) (oracle.Quote, error) {
	var j productPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return oracle.Quote{}, fmt.Errorf("parse price quote: %w", err)
	}
	if j.Product == "" {
		return oracle.Quote{}, fmt.Errorf("parse price quote: missing product")
	}
	if j.Price <= 0 {
		return oracle.Quote{}, fmt.Errorf("parse price quote: non-positive price %d", j.Price)
	}
	return oracle.Quote{
		Product:     j.Product,
		Price:       j.Price,
		PublishTime: time.UnixMicro(j.PublishTimeUs),
	}, nil
}
