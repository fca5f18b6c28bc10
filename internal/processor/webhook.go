package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dealflow/internal/domain"
)

// Webhook delivers the deal to a downstream confirmation endpoint and treats
// any non-2xx response as a processing failure.
type Webhook struct {
	URL     string
	Timeout time.Duration
}

type webhookBody struct {
	DealID            string  `json:"deal_id"`
	UserID            *string `json:"user_id,omitempty"`
	ConfirmationID    *string `json:"confirmation_id,omitempty"`
	CommercialTermsID *string `json:"commercial_terms_id,omitempty"`
	PaymentTermsID    *string `json:"payment_terms_id,omitempty"`
	Status            string  `json:"status"`
}

func (p Webhook) Process(ctx context.Context, deal domain.Deal) error {
	if p.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	body, err := json.Marshal(webhookBody{
		DealID:            deal.ID,
		UserID:            deal.UserID,
		ConfirmationID:    deal.ConfirmationID,
		CommercialTermsID: deal.CommercialTermsID,
		PaymentTermsID:    deal.PaymentTermsID,
		Status:            deal.Status,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read webhook response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
