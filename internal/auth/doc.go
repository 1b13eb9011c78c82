// Package auth provides dashboard authentication for evdash-gateway.
//
// # Accounts
//
// Accounts are a username, an argon2id hash and a per-account random salt.
// They are persisted through store.UserStore and loaded once at startup;
// Service keeps an in-memory copy that is updated on AddUser and RemoveUser.
//
// # Tokens
//
// Login issues an HS256-signed JWT carrying the username ("sub") and a random
// token id ("jti"). The token value is opaque to clients. Expiry is not encoded
// in the token: the Service tracks it so that Refresh can extend a token in
// place without rotating it.
//
// A token is valid iff it is present in the Service and its expiry lies in the
// future. Every Validate, Lookup, Refresh and Login call purges all expired
// tokens, so the token map stays bounded without a background timer.
// Tokens are never persisted; a restart logs every client out.
//
// # HTTP
//
// HTTPAuthMiddleware guards HTTP handlers with an "Authorization: Bearer"
// token and stores the Session in the request context for FromContext.
//
// # Errors
//
//   - ErrUnauthorized: bad credentials or an unknown/expired token. Login never
//     reveals whether the username exists.
//   - ErrDuplicateUser, ErrUserNotFound, ErrInvalidUsername
//   - *BadPasswordError: password shorter than the configured minimum
//     (matches ErrBadPassword with errors.Is)
package auth
