package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeFree AccountSubType = iota
	SubTypePendingWithdrawal
	SubTypeEscrow

	// System sub-types
	SubTypeSystemTreasury
	SubTypeSystemVaultPool
	SubTypeSystemYieldVenue

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// ProductID maps product symbols to numeric IDs for compact keys
type ProductID uint16

var (
	productToID = map[string]ProductID{
		"BTC-USD": 1,
		"ETH-USD": 2,
	}
	idToProduct = map[ProductID]string{
		1: "BTC-USD",
		2: "ETH-USD",
	}
)

func GetProductID(product string) (ProductID, bool) {
	id, ok := productToID[product]
	return id, ok
}

func GetProductSymbol(id ProductID) (string, bool) {
	symbol, ok := idToProduct[id]
	return symbol, ok
}

// TrackedProducts returns all registered product symbols in id order.
func TrackedProducts() []string {
	symbols := make([]string, 0, len(idToProduct))
	for id := ProductID(1); ; id++ {
		symbol, ok := idToProduct[id]
		if !ok {
			break
		}
		symbols = append(symbols, symbol)
	}
	return symbols
}

// AccountKey is the in-memory key for balance tracking. Escrow buckets carry
// the (product, epoch, orderIdx) triple so collateral locked against one
// order can never be confused with another's; all other accounts leave those
// fields zero.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	Product  ProductID
	Epoch    int64
	OrderIdx int64
}

// NewUserAccountKey creates a key for a user's free or pending balance.
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
	}
}

// NewEscrowAccountKey creates a key for a per-order escrow bucket.
func NewEscrowAccountKey(userID uuid.UUID, product ProductID, epoch, orderIdx int64) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeEscrow,
		Product:  product,
		Epoch:    epoch,
		OrderIdx: orderIdx,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// TreasuryAccount accrues commission and performance fees.
func TreasuryAccount() AccountKey {
	return NewSystemAccountKey("treasury", SubTypeSystemTreasury)
}

// VaultPoolAccount holds pooled vault assets, including unclaimed epoch
// requests and the vault's settlement proceeds.
func VaultPoolAccount() AccountKey {
	return NewSystemAccountKey("vault", SubTypeSystemVaultPool)
}

// YieldVenueAccount mirrors capital placed with the external yield venue by
// the strategy coordinator.
func YieldVenueAccount() AccountKey {
	return NewSystemAccountKey("yield", SubTypeSystemYieldVenue)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		if k.SubType == SubTypeEscrow {
			symbol, _ := GetProductSymbol(k.Product)
			return fmt.Sprintf("user:%s:escrow:%s:%d:%d", uid.String(), symbol, k.Epoch, k.OrderIdx)
		}
		return fmt.Sprintf("user:%s:%s", uid.String(), k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

// ParseAccountPath reconstructs an AccountKey from its AccountPath form.
// Used when restoring balances from a snapshot.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 2 {
		return AccountKey{}, fmt.Errorf("malformed account path: %q", path)
	}

	switch parts[0] {
	case "user":
		userID, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse user id in %q: %w", path, err)
		}
		if len(parts) == 3 {
			switch parts[2] {
			case "free":
				return NewUserAccountKey(userID, SubTypeFree), nil
			case "pending_withdrawal":
				return NewUserAccountKey(userID, SubTypePendingWithdrawal), nil
			}
		}
		if len(parts) == 6 && parts[2] == "escrow" {
			productID, ok := GetProductID(parts[3])
			if !ok {
				return AccountKey{}, fmt.Errorf("unknown product in %q", path)
			}
			epoch, err := strconv.ParseInt(parts[4], 10, 64)
			if err != nil {
				return AccountKey{}, fmt.Errorf("parse epoch in %q: %w", path, err)
			}
			orderIdx, err := strconv.ParseInt(parts[5], 10, 64)
			if err != nil {
				return AccountKey{}, fmt.Errorf("parse order idx in %q: %w", path, err)
			}
			return NewEscrowAccountKey(userID, productID, epoch, orderIdx), nil
		}
	case "system":
		switch parts[1] {
		case "treasury":
			return TreasuryAccount(), nil
		case "vault":
			return VaultPoolAccount(), nil
		case "yield":
			return YieldVenueAccount(), nil
		}
	case "external":
		switch parts[1] {
		case "deposits":
			return NewExternalAccountKey(SubTypeExternalDeposits), nil
		case "withdrawals":
			return NewExternalAccountKey(SubTypeExternalWithdrawals), nil
		}
	}

	return AccountKey{}, fmt.Errorf("unrecognized account path: %q", path)
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeFree:
		return "free"
	case SubTypePendingWithdrawal:
		return "pending_withdrawal"
	case SubTypeEscrow:
		return "escrow"
	case SubTypeSystemTreasury:
		return "treasury"
	case SubTypeSystemVaultPool:
		return "vault"
	case SubTypeSystemYieldVenue:
		return "yield"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
