package client

import (
	"context"
	"log/slog"

	"github.com/payflow/transaction-engine/internal/transaction/application"
	"github.com/payflow/transaction-engine/internal/transaction/domain"
	"github.com/shopspring/decimal"
)

// FraudClient calls the fraud risk-scoring service.
type FraudClient struct {
	base
	log *slog.Logger
}

func NewFraudClient(log *slog.Logger, baseURL string) *FraudClient {
	return &FraudClient{base: newBase(baseURL), log: log}
}

type fraudRequest struct {
	CardNumber      string          `json:"cardNumber"`
	Amount          decimal.Decimal `json:"amount"`
	MerchantCode    string          `json:"merchantCode"`
	TransactionType string          `json:"transactionType"`
	TransactionCode string          `json:"transactionCode"`
}

type fraudResponse struct {
	Valid     *bool  `json:"valid"`
	IsFraud   bool   `json:"isFraud"`
	RiskLevel string `json:"riskLevel"`
	RuleCode  string `json:"ruleCode"`
	Message   string `json:"message"`
}

func (c *FraudClient) Validate(ctx context.Context, req application.FraudValidationRequest) (application.FraudValidationResult, error) {
	c.log.Debug("fraud validation request",
		"card", domain.MaskCard(req.CardNumber), "code", req.TransactionCode)

	var resp fraudResponse
	err := c.postJSON(ctx, "/api/v1/validation", fraudRequest{
		CardNumber:      req.CardNumber,
		Amount:          req.Amount,
		MerchantCode:    req.MerchantCode,
		TransactionType: req.TransactionType,
		TransactionCode: req.TransactionCode,
	}, &resp)
	if err != nil {
		return application.FraudValidationResult{}, err
	}

	// A missing explicit valid flag derives from the negation of isFraud; an
	// explicit negative flag counts as fraud even when isFraud was omitted.
	isFraud := resp.IsFraud
	if resp.Valid != nil && !*resp.Valid {
		isFraud = true
	}
	return application.FraudValidationResult{
		IsFraud:   isFraud,
		RiskLevel: resp.RiskLevel,
		RuleCode:  resp.RuleCode,
		Message:   resp.Message,
	}, nil
}
