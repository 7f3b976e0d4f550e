// Package stripeprovider adapts Stripe to the billing provider surface.
//
// Checkout, billing portal and refund calls go through the official
// stripe-go client. Webhook deliveries are verified with Stripe's signed
// header scheme and normalized into provider-neutral billing events:
// checkout.session.completed becomes an order, charge.refunded a refund
// with the absolute refunded total, and customer.subscription.* the
// subscription lifecycle. Stripe has no external customer id, so the
// customer mapping rides along on checkout and subscription payloads via
// the metadata this package plants when it creates the session.
package stripeprovider
