// Package transfer implements a two-step fund transfer saga: withdraw from
// one account, deposit into another, with compensations that return the money
// when the transfer cannot complete.
package transfer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	durable "github.com/morganj/ledgerflow"
)

// Activity names referenced by the transfer definition.
const (
	ActivityWithdraw           = "Withdraw"
	ActivityDeposit            = "Deposit"
	ActivityCompensateWithdraw = "CompensateWithdraw"
	ActivityCompensateDeposit  = "CompensateDeposit"
)

// Result keys under which step outputs appear in the terminal result.
const (
	WithdrawalResultKey = "withdrawalResult"
	DepositResultKey    = "depositResult"
)

// Transaction is the saga's business payload, immutable once accepted.
type Transaction struct {
	FromAccount string  `json:"fromAccount"`
	ToAccount   string  `json:"toAccount"`
	Amount      float64 `json:"amount"`
}

// WithdrawalResult is the output of a successful withdrawal.
type WithdrawalResult struct {
	FromAccount string  `json:"fromAccount"`
	Amount      float64 `json:"amount"`
	Status      string  `json:"status"`
}

// DepositResult is the output of a successful deposit.
type DepositResult struct {
	ToAccount string  `json:"toAccount"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
}

// Definition describes the transfer saga: withdraw then deposit, each undone
// by its compensation in reverse order on failure.
func Definition() *durable.Definition {
	return &durable.Definition{
		Name: "FundTransfer",
		Steps: []durable.Step{
			{
				Name:         "withdraw",
				Activity:     ActivityWithdraw,
				Compensation: ActivityCompensateWithdraw,
				ResultKey:    WithdrawalResultKey,
			},
			{
				Name:         "deposit",
				Activity:     ActivityDeposit,
				Compensation: ActivityCompensateDeposit,
				ResultKey:    DepositResultKey,
			},
		},
	}
}

// Activities wires the four transfer activities against a simulated ledger.
type Activities struct {
	logger zerolog.Logger
}

// NewActivities creates the transfer activity set.
func NewActivities(logger zerolog.Logger) *Activities {
	return &Activities{logger: logger}
}

// Register adds all transfer activities to the registry.
func (a *Activities) Register(registry *durable.Registry) error {
	activities := []durable.Activity{
		durable.NewActivityFunc(ActivityWithdraw, a.withdraw),
		durable.NewActivityFunc(ActivityDeposit, a.deposit),
		durable.NewActivityFunc(ActivityCompensateWithdraw, a.compensateWithdraw),
		durable.NewActivityFunc(ActivityCompensateDeposit, a.compensateDeposit),
	}
	for _, activity := range activities {
		if err := registry.Register(activity); err != nil {
			return fmt.Errorf("register transfer activities: %w", err)
		}
	}
	return nil
}

// withdraw simulates taking funds out of the source account. The ledger
// rejects the reference case of Account1 at amount 500.
func (a *Activities) withdraw(ctx context.Context, tx Transaction) (WithdrawalResult, error) {
	a.logger.Info().
		Str("account", tx.FromAccount).
		Float64("amount", tx.Amount).
		Msg("withdrawing funds")

	if tx.FromAccount == "Account1" && tx.Amount == 500 {
		return WithdrawalResult{}, durable.NewBusinessFailure("Insufficient funds.")
	}

	return WithdrawalResult{
		FromAccount: tx.FromAccount,
		Amount:      tx.Amount,
		Status:      "withdrawn",
	}, nil
}

// deposit simulates placing funds into the destination account. The downstream
// service is unavailable for the reference case of Account2 at amount 500.
func (a *Activities) deposit(ctx context.Context, tx Transaction) (DepositResult, error) {
	a.logger.Info().
		Str("account", tx.ToAccount).
		Float64("amount", tx.Amount).
		Msg("depositing funds")

	if tx.ToAccount == "Account2" && tx.Amount == 500 {
		return DepositResult{}, durable.NewBusinessFailure("Deposit service unavailable.")
	}

	return DepositResult{
		ToAccount: tx.ToAccount,
		Amount:    tx.Amount,
		Status:    "deposited",
	}, nil
}

// compensateWithdraw returns previously withdrawn funds to the source
// account. Compensations are best effort and always succeed here.
func (a *Activities) compensateWithdraw(ctx context.Context, withdrawal WithdrawalResult) (struct{}, error) {
	a.logger.Info().
		Str("account", withdrawal.FromAccount).
		Float64("amount", withdrawal.Amount).
		Msg("compensating withdrawal")
	return struct{}{}, nil
}

// compensateDeposit removes previously deposited funds from the destination
// account.
func (a *Activities) compensateDeposit(ctx context.Context, deposit DepositResult) (struct{}, error) {
	a.logger.Info().
		Str("account", deposit.ToAccount).
		Float64("amount", deposit.Amount).
		Msg("compensating deposit")
	return struct{}{}, nil
}
