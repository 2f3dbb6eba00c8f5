package client

import (
	"context"
	"log/slog"

	"github.com/payflow/transaction-engine/internal/transaction/application"
	"github.com/payflow/transaction-engine/internal/transaction/domain"
	"github.com/shopspring/decimal"
)

// SettlementClient calls the settlement processor. Debit, credit and
// reversal share one wire operation; the routing code and reference prefix
// say which side of the money movement this is.
type SettlementClient struct {
	base
	log *slog.Logger
}

func NewSettlementClient(log *slog.Logger, baseURL string) *SettlementClient {
	return &SettlementClient{base: newBase(baseURL), log: log}
}

type settlementRequest struct {
	CardNumber   string          `json:"cardNumber"`
	Expiry       string          `json:"expiry"`
	Amount       decimal.Decimal `json:"amount"`
	RoutingCode  string          `json:"routingCode"`
	Reference    string          `json:"reference"`
	Installments int             `json:"installments"`
	Deferred     bool            `json:"deferred"`
}

type settlementResponse struct {
	Approved          bool   `json:"approved"`
	AuthorizationCode string `json:"authorizationCode"`
	Message           string `json:"message"`
}

func (c *SettlementClient) Settle(ctx context.Context, req application.SettlementRequest) (application.SettlementResult, error) {
	c.log.Debug("settlement request",
		"card", domain.MaskCard(req.CardNumber), "routing", req.RoutingCode, "reference", req.Reference)

	var resp settlementResponse
	err := c.postJSON(ctx, "/api/v1/settlement", settlementRequest{
		CardNumber:   req.CardNumber,
		Expiry:       req.Expiry,
		Amount:       req.Amount,
		RoutingCode:  req.RoutingCode,
		Reference:    req.Reference,
		Installments: req.Installments,
		Deferred:     req.Deferred,
	}, &resp)
	if err != nil {
		return application.SettlementResult{}, err
	}
	return application.SettlementResult{
		Approved:          resp.Approved,
		AuthorizationCode: resp.AuthorizationCode,
		Message:           resp.Message,
	}, nil
}
