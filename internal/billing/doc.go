// Package billing turns payment provider activity into credit.
//
// One Provider implementation (Polar or Stripe) sits behind a narrow
// interface: it opens checkout and portal sessions, requests refunds, and
// verifies webhook deliveries into normalized events. The Service owns
// everything after normalization. Payments grant lots through the
// entitlement engine, refunds freeze and then revoke the unused credit, and
// subscription cycles roll unspent seconds forward. Every webhook event
// passes through a durable ledger claim first, so provider redeliveries and
// crashed handlers never grant twice or lose a grant.
package billing
