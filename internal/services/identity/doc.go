// Package identity verifies end-user bearer tokens.
//
// Tokens are HS256 JWTs issued by the auth frontend and shared-secret
// verified here. The subject claim carries the user id, with user_id as a
// legacy fallback. Audience verification only applies when an audience is
// configured, matching how the tokens were minted.
package identity
