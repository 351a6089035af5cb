package core

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// UnitPrice returns the price per lot at a tick: tick × tickSize.
// This is the scalar applied homomorphically to a hidden quantity when
// reserving or settling payment.
func UnitPrice(tick, tickSize uint64) (uint64, error) {
	if tickSize != 0 && tick > ^uint64(0)/tickSize {
		return 0, fmt.Errorf("%w: tick %d × tickSize %d", ErrOverflow, tick, tickSize)
	}
	return tick * tickSize, nil
}

// PaymentDue returns the exact payment for a fill at a tick as a decimal:
// lots × tick × tickSize. Decimal arithmetic keeps event reporting and
// audit math exact even when the product leaves the 64-bit range.
func PaymentDue(lots, tick, tickSize uint64) decimal.Decimal {
	lotsDecimal := decimal.NewFromBigInt(new(big.Int).SetUint64(lots), 0)
	tickDecimal := decimal.NewFromBigInt(new(big.Int).SetUint64(tick), 0)
	sizeDecimal := decimal.NewFromBigInt(new(big.Int).SetUint64(tickSize), 0)

	return lotsDecimal.Mul(tickDecimal).Mul(sizeDecimal)
}

// AffordableLots returns how many whole lots a payment reservation funds at
// a tick: floor(reservation / (tick × tickSize)). Settlement caps every fill
// here so a bid never receives lots its reservation cannot pay for.
func AffordableLots(reservation, tick, tickSize uint64) uint64 {
	unit := decimal.NewFromBigInt(new(big.Int).SetUint64(tick), 0).
		Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(tickSize), 0))
	if unit.IsZero() {
		return 0
	}
	amount := decimal.NewFromBigInt(new(big.Int).SetUint64(reservation), 0)
	lots, _ := amount.QuoRem(unit, 0)
	return lots.BigInt().Uint64()
}

// PaymentDueUnits returns the payment for a fill in whole payment-token
// units, or ErrOverflow when the amount cannot be settled in 64 bits.
func PaymentDueUnits(lots, tick, tickSize uint64) (uint64, error) {
	unit, err := UnitPrice(tick, tickSize)
	if err != nil {
		return 0, err
	}
	if unit != 0 && lots > ^uint64(0)/unit {
		return 0, fmt.Errorf("%w: %d lots at unit price %d", ErrOverflow, lots, unit)
	}
	return lots * unit, nil
}
