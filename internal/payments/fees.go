package payments

import (
	"github.com/shopspring/decimal"

	"github.com/ajai24/food-ordering/internal/domain"
)

// Per-method fee schedule. The method enum is closed, so the schedule is an
// exhaustive switch; unknown methods take the digital wallet rate.
type feeRate struct {
	percentage decimal.Decimal
	fixed      decimal.Decimal
}

var (
	creditCardRate    = feeRate{decimal.RequireFromString("0.029"), decimal.RequireFromString("0.30")}
	debitCardRate     = feeRate{decimal.RequireFromString("0.022"), decimal.RequireFromString("0.25")}
	digitalWalletRate = feeRate{decimal.RequireFromString("0.025"), decimal.RequireFromString("0.20")}
	bankTransferRate  = feeRate{decimal.RequireFromString("0.005"), decimal.RequireFromString("0.50")}
	cryptoRate        = feeRate{decimal.RequireFromString("0.015"), decimal.RequireFromString("0.10")}

	serviceRate = decimal.RequireFromString("0.003")
)

func rateFor(method domain.Method) feeRate {
	switch method {
	case domain.MethodCreditCard:
		return creditCardRate
	case domain.MethodDebitCard:
		return debitCardRate
	case domain.MethodDigitalWallet:
		return digitalWalletRate
	case domain.MethodBankTransfer:
		return bankTransferRate
	case domain.MethodCrypto:
		return cryptoRate
	default:
		// Fallback for methods outside the known enum.
		return digitalWalletRate
	}
}

// CalculateFees computes the fee breakdown for a payment of the given amount
// and method. Processing and service components are rounded to cents
// individually; the total is the rounded sum of the unrounded components.
func CalculateFees(amount decimal.Decimal, method domain.Method) domain.Fees {
	rate := rateFor(method)
	processing := amount.Mul(rate.percentage).Add(rate.fixed)
	service := amount.Mul(serviceRate)
	return domain.Fees{
		Processing: processing.Round(2),
		Service:    service.Round(2),
		Total:      processing.Add(service).Round(2),
	}
}
