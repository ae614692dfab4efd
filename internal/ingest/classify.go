package ingest

import "github.com/MarkoPoloResearchLab/logoledger/internal/payments"

const (
	eventCheckoutCompleted       = "checkout.session.completed"
	eventCheckoutAsyncSucceeded  = "checkout.session.async_payment_succeeded"
	eventInvoicePaid             = "invoice.paid"
	eventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	eventSubscriptionCreated     = "customer.subscription.created"
	eventSubscriptionUpdated     = "customer.subscription.updated"
	eventSubscriptionDeleted     = "customer.subscription.deleted"
)

// Classify maps an event type to its ledger effect. checkoutMode refines checkout
// completions and is ignored for other types.
func Classify(eventType string, checkoutMode string) Kind {
	switch eventType {
	case eventCheckoutCompleted, eventCheckoutAsyncSucceeded:
		if checkoutMode == payments.ModeSubscription {
			return KindSubscriptionCheckout
		}
		return KindOneTimeCheckout
	case eventInvoicePaid, eventInvoicePaymentSucceeded:
		return KindRenewal
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted:
		return KindSubscriptionChange
	default:
		return KindIgnored
	}
}

func isCheckoutEvent(eventType string) bool {
	return eventType == eventCheckoutCompleted || eventType == eventCheckoutAsyncSucceeded
}
