package stellar

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/amount"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
)

// Strategy contract entry points
const (
	FnDeposit  = "deposit"
	FnWithdraw = "withdraw"
	FnHarvest  = "harvest"
)

// AmountToI128 converts a decimal asset amount into stroops encoded as i128
func AmountToI128(d decimal.Decimal) (xdr.ScVal, error) {
	if d.IsNegative() {
		return xdr.ScVal{}, fmt.Errorf("negative amount %s", d)
	}
	stroops, err := amount.ParseInt64(d.StringFixed(7))
	if err != nil {
		return xdr.ScVal{}, fmt.Errorf("amount %s out of range: %w", d, err)
	}
	parts := xdr.Int128Parts{Hi: 0, Lo: xdr.Uint64(stroops)}
	return xdr.ScVal{Type: xdr.ScValTypeScvI128, I128: &parts}, nil
}

// I128ToAmount converts an i128 stroop value back to a decimal amount
func I128ToAmount(v xdr.ScVal) (decimal.Decimal, error) {
	parts, ok := v.GetI128()
	if !ok {
		return decimal.Zero, fmt.Errorf("expected i128, got %s", v.Type)
	}
	n := new(big.Int).Lsh(big.NewInt(int64(parts.Hi)), 64)
	n.Add(n, new(big.Int).SetUint64(uint64(parts.Lo)))
	return decimal.NewFromBigInt(n, -7), nil
}

// AccountAddress encodes a G... account as a contract argument
func AccountAddress(address string) (xdr.ScVal, error) {
	accountID, err := xdr.AddressToAccountId(address)
	if err != nil {
		return xdr.ScVal{}, fmt.Errorf("invalid account %s: %w", address, err)
	}
	addr := xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeAccount, AccountId: &accountID}
	return xdr.ScVal{Type: xdr.ScValTypeScvAddress, Address: &addr}, nil
}

func contractAddress(contractID string) (xdr.ScAddress, error) {
	raw, err := strkey.Decode(strkey.VersionByteContract, contractID)
	if err != nil {
		return xdr.ScAddress{}, fmt.Errorf("invalid contract %s: %w", contractID, err)
	}
	var id xdr.Hash
	copy(id[:], raw)
	return xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeContract, ContractId: &id}, nil
}

// InvokeOp builds a host function call against a strategy contract
func InvokeOp(contractID, source, fn string, args ...xdr.ScVal) (*txnbuild.InvokeHostFunction, error) {
	addr, err := contractAddress(contractID)
	if err != nil {
		return nil, err
	}
	return &txnbuild.InvokeHostFunction{
		HostFunction: xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
			InvokeContract: &xdr.InvokeContractArgs{
				ContractAddress: addr,
				FunctionName:    xdr.ScSymbol(fn),
				Args:            xdr.ScVec(args),
			},
		},
		SourceAccount: source,
	}, nil
}

// DepositOp calls deposit(from, amount) on the strategy
func DepositOp(contractID, from string, amt decimal.Decimal) (*txnbuild.InvokeHostFunction, error) {
	if !amt.IsPositive() {
		return nil, errors.New("deposit amount must be positive")
	}
	fromVal, err := AccountAddress(from)
	if err != nil {
		return nil, err
	}
	amtVal, err := AmountToI128(amt)
	if err != nil {
		return nil, err
	}
	return InvokeOp(contractID, from, FnDeposit, fromVal, amtVal)
}

// WithdrawOp calls withdraw(to, shares) on the strategy
func WithdrawOp(contractID, to string, shares decimal.Decimal) (*txnbuild.InvokeHostFunction, error) {
	if !shares.IsPositive() {
		return nil, errors.New("withdraw shares must be positive")
	}
	toVal, err := AccountAddress(to)
	if err != nil {
		return nil, err
	}
	sharesVal, err := AmountToI128(shares)
	if err != nil {
		return nil, err
	}
	return InvokeOp(contractID, to, FnWithdraw, toVal, sharesVal)
}

// HarvestOp calls harvest(caller) on the strategy
func HarvestOp(contractID, caller string) (*txnbuild.InvokeHostFunction, error) {
	callerVal, err := AccountAddress(caller)
	if err != nil {
		return nil, err
	}
	return InvokeOp(contractID, caller, FnHarvest, callerVal)
}

// TrustlineOp opens a trustline with the maximum limit
func TrustlineOp(source, code, issuer string) (*txnbuild.ChangeTrust, error) {
	line, err := txnbuild.CreditAsset{Code: code, Issuer: issuer}.ToChangeTrustAsset()
	if err != nil {
		return nil, fmt.Errorf("invalid asset %s:%s: %w", code, issuer, err)
	}
	return &txnbuild.ChangeTrust{
		Line:          line,
		Limit:         txnbuild.MaxTrustlineLimit,
		SourceAccount: source,
	}, nil
}
