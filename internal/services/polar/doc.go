// Package polar implements the billing provider against the Polar API.
//
// Checkout, customer portal, and refund calls go through Polar's REST
// endpoints with bearer auth. Webhook deliveries are verified with the
// standard-webhooks scheme: an HMAC-SHA256 over
// "webhook-id.webhook-timestamp.payload" keyed by the base64 portion of
// the whsec_ secret, with a bounded timestamp skew. Verified payloads are
// normalized into the provider-neutral billing events the service layer
// dispatches on.
package polar
