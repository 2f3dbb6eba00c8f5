package client

import (
	"context"
	"log/slog"
	"strings"

	"github.com/payflow/transaction-engine/internal/transaction/application"
	"github.com/payflow/transaction-engine/internal/transaction/domain"
	"github.com/shopspring/decimal"
)

// BrandClient calls the card-brand validation service.
type BrandClient struct {
	base
	log *slog.Logger
}

func NewBrandClient(log *slog.Logger, baseURL string) *BrandClient {
	return &BrandClient{base: newBase(baseURL), log: log}
}

type brandRequest struct {
	CardNumber      string          `json:"cardNumber"`
	Expiry          string          `json:"expiry"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionCode string          `json:"transactionCode"`
}

type brandResponse struct {
	Valid             *bool  `json:"valid"`
	IssuerRoutingCode string `json:"issuerRoutingCode"`
	Message           string `json:"message"`
}

func (c *BrandClient) Validate(ctx context.Context, req application.BrandValidationRequest) (application.BrandValidationResult, error) {
	c.log.Debug("brand validation request",
		"card", domain.MaskCard(req.CardNumber), "code", req.TransactionCode)

	var resp brandResponse
	err := c.postJSON(ctx, "/api/v1/validation", brandRequest{
		CardNumber:      req.CardNumber,
		Expiry:          req.Expiry,
		Amount:          req.Amount,
		TransactionCode: req.TransactionCode,
	}, &resp)
	if err != nil {
		return application.BrandValidationResult{}, err
	}
	return application.BrandValidationResult{
		Valid:             resp.isValid(),
		IssuerRoutingCode: resp.IssuerRoutingCode,
		Message:           resp.Message,
	}, nil
}

// isValid handles replies that omit the explicit flag: a card without a
// usable issuer routing code, or with an error-looking message, is invalid.
func (r brandResponse) isValid() bool {
	if r.Valid != nil {
		return *r.Valid
	}
	if r.IssuerRoutingCode == "" || r.IssuerRoutingCode == "N/A" {
		return false
	}
	msg := strings.ToLower(r.Message)
	for _, marker := range []string{"error", "invalid", "rejected", "not found"} {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}
