// Package auth provides token authentication and authorisation for the
// coop bridge API.
//
// It implements a 3-tier role model (viewer → operator → admin) with:
//   - HS256 JWT access tokens signed with the configured secret
//   - Static role-permission mapping (compile-time, no database lookup)
//
// Tokens are minted offline with `coopbridge token`; the bridge keeps no
// user database.
package auth
