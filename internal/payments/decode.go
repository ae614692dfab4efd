package payments

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v84"
)

// DecodeCheckoutSession decodes a checkout.session.* event object.
// The price id comes from expanded line items, else from the metadata written at checkout creation.
func DecodeCheckoutSession(raw []byte) (CheckoutSession, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: checkout session: %v", ErrInvalidPayload, err)
	}
	if session.ID == "" {
		return CheckoutSession{}, fmt.Errorf("%w: checkout session without id", ErrInvalidPayload)
	}
	return convertCheckoutSession(&session), nil
}

// DecodeInvoice decodes an invoice.* event object.
func DecodeInvoice(raw []byte) (Invoice, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return Invoice{}, fmt.Errorf("%w: invoice: %v", ErrInvalidPayload, err)
	}
	if invoice.ID == "" {
		return Invoice{}, fmt.Errorf("%w: invoice without id", ErrInvalidPayload)
	}
	return convertInvoice(&invoice), nil
}

// DecodeSubscription decodes a customer.subscription.* event object.
func DecodeSubscription(raw []byte) (Subscription, error) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(raw, &subscription); err != nil {
		return Subscription{}, fmt.Errorf("%w: subscription: %v", ErrInvalidPayload, err)
	}
	if subscription.ID == "" {
		return Subscription{}, fmt.Errorf("%w: subscription without id", ErrInvalidPayload)
	}
	return convertSubscription(&subscription), nil
}

func convertInvoice(invoice *stripe.Invoice) Invoice {
	converted := Invoice{
		ID:            invoice.ID,
		AmountPaid:    invoice.AmountPaid,
		Currency:      string(invoice.Currency),
		BillingReason: string(invoice.BillingReason),
	}
	if invoice.Customer != nil {
		converted.CustomerID = invoice.Customer.ID
	}
	if parent := invoice.Parent; parent != nil && parent.SubscriptionDetails != nil && parent.SubscriptionDetails.Subscription != nil {
		converted.SubscriptionID = parent.SubscriptionDetails.Subscription.ID
	}
	if invoice.Lines != nil {
		for _, line := range invoice.Lines.Data {
			if line != nil && line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "" {
				converted.PriceID = line.Pricing.PriceDetails.Price
				break
			}
		}
	}
	return converted
}

func convertSubscription(subscription *stripe.Subscription) Subscription {
	converted := Subscription{
		ID:                subscription.ID,
		Status:            string(subscription.Status),
		CancelAtPeriodEnd: subscription.CancelAtPeriodEnd,
	}
	if subscription.Customer != nil {
		converted.CustomerID = subscription.Customer.ID
	}
	if subscription.Items != nil && len(subscription.Items.Data) > 0 && subscription.Items.Data[0] != nil {
		item := subscription.Items.Data[0]
		converted.CurrentPeriodEnd = item.CurrentPeriodEnd
		if item.Price != nil {
			converted.PriceID = item.Price.ID
		}
	}
	return converted
}
