// Package auth provides JWT authentication for the attache-gateway API.
//
// Tokens are signed with HS256 using the configured jwt_secret. The HTTP
// middleware extracts bearer tokens from the Authorization header, verifies
// them, and attaches the token's subject to the request context:
//
//	verifier := auth.NewJWTVerifier(secret)
//	handler = auth.Middleware(verifier)(handler)
//
// Handlers read the authenticated subject with SubjectFromContext. An empty
// jwt_secret in the gateway configuration disables authentication entirely.
package auth
