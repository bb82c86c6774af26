package ingestion

import (
	"encoding/json"
	"fmt"

	"OptionClear/internal/event"
)

// MarshalEvent renders a typed event back into its JSON wire form, the same
// format ParseRawEvent accepts. The event log stores this form so replay can
// feed stored payloads straight back through the parser.
func MarshalEvent(evt event.Event) ([]byte, error) {
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		return json.Marshal(depositJSON{
			DepositID:   e.DepositID.String(),
			UserID:      e.UserID.String(),
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.WithdrawalRequested:
		return json.Marshal(withdrawalJSON{
			WithdrawalID:   e.WithdrawalID.String(),
			UserID:         e.UserID.String(),
			Amount:         e.Amount,
			ExecutableAtUs: e.ExecutableAt.UnixMicro(),
			Sequence:       e.Sequence,
			TimestampUs:    e.Timestamp.UnixMicro(),
		})

	case *event.WithdrawalExecuted:
		return json.Marshal(withdrawalJSON{
			WithdrawalID: e.WithdrawalID.String(),
			UserID:       e.UserID.String(),
			Amount:       e.Amount,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp.UnixMicro(),
		})

	case *event.WithdrawalCancelled:
		return json.Marshal(withdrawalJSON{
			WithdrawalID: e.WithdrawalID.String(),
			UserID:       e.UserID.String(),
			Amount:       e.Amount,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp.UnixMicro(),
		})

	case *event.OrderFillBatch:
		orders := make([]filledOrderJSON, 0, len(e.Orders))
		for _, o := range e.Orders {
			orders = append(orders, filledOrderJSON{
				Idx:           o.Idx,
				Epoch:         o.Epoch,
				Product:       o.Product,
				OverUser:      o.OverUser.String(),
				UnderUser:     o.UnderUser.String(),
				OverPrice:     o.OverPrice,
				UnderPrice:    o.UnderPrice,
				Unit:          o.Unit,
				OverRedeemed:  o.OverRedeemed,
				UnderRedeemed: o.UnderRedeemed,
			})
		}
		return json.Marshal(orderFillBatchJSON{
			BatchID:     e.BatchID.String(),
			Product:     e.Product,
			Epoch:       e.Epoch,
			Orders:      orders,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.GenesisOpenRound:
		return json.Marshal(roundCommandJSON{
			CommandID:   e.CommandID.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.GenesisStartRound:
		return json.Marshal(roundCommandJSON{
			CommandID:   e.CommandID.String(),
			Prices:      pricesToJSON(e.Prices),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.ExecuteRound:
		return json.Marshal(roundCommandJSON{
			CommandID:   e.CommandID.String(),
			Epoch:       e.Epoch,
			Prices:      pricesToJSON(e.Prices),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.PauseRounds:
		return json.Marshal(roundCommandJSON{
			CommandID:   e.CommandID.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.UnpauseRounds:
		return json.Marshal(roundCommandJSON{
			CommandID:   e.CommandID.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.ManualRoundEnd:
		return json.Marshal(roundCommandJSON{
			CommandID:   e.CommandID.String(),
			Epoch:       e.Epoch,
			Prices:      pricesToJSON(e.Prices),
			InitDateUs:  e.InitDate.UnixMicro(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.VaultDepositRequest:
		return json.Marshal(vaultRequestJSON{
			RequestID:   e.RequestID.String(),
			UserID:      e.UserID.String(),
			Assets:      e.Assets,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.VaultRedeemRequest:
		return json.Marshal(vaultRequestJSON{
			RequestID:   e.RequestID.String(),
			UserID:      e.UserID.String(),
			Shares:      e.Shares,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.VaultClaimDeposit:
		return json.Marshal(vaultClaimJSON{
			ClaimID:     e.ClaimID.String(),
			UserID:      e.UserID.String(),
			Epoch:       e.Epoch,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.VaultClaimRedeem:
		return json.Marshal(vaultClaimJSON{
			ClaimID:     e.ClaimID.String(),
			UserID:      e.UserID.String(),
			Epoch:       e.Epoch,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	case *event.StrategyCommand:
		action, err := strategyActionString(e.Action)
		if err != nil {
			return nil, err
		}
		return json.Marshal(strategyCommandJSON{
			CommandID:   e.CommandID.String(),
			Action:      action,
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})

	default:
		return nil, fmt.Errorf("marshal event: unsupported type %T", evt)
	}
}

func pricesToJSON(prices []event.ProductPrice) []productPriceJSON {
	out := make([]productPriceJSON, 0, len(prices))
	for _, p := range prices {
		out = append(out, productPriceJSON{
			Product:       p.Product,
			Price:         p.Price,
			PublishTimeUs: p.PublishTime.UnixMicro(),
		})
	}
	return out
}

func strategyActionString(a event.StrategyAction) (string, error) {
	switch a {
	case event.StrategyActionUtilize:
		return "utilize", nil
	case event.StrategyActionDeutilize:
		return "deutilize", nil
	case event.StrategyActionRebalance:
		return "rebalance", nil
	case event.StrategyActionEmergency:
		return "emergency", nil
	case event.StrategyActionClearEmergency:
		return "clear_emergency", nil
	default:
		return "", fmt.Errorf("marshal event: unknown strategy action %d", a)
	}
}
