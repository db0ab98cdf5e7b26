// Package api exposes the attache session engine over HTTP.
//
// # Endpoints
//
//	POST   /api/chat                 send a message (creates the session if new)
//	POST   /api/chat/{id}/retry      re-run the model step after a post-commit failure
//	POST   /api/upload               upload a file; extracted text is staged for the next message
//	GET    /api/sessions             list sessions, most recently active first
//	GET    /api/history/{id}         full ordered turn sequence
//	GET    /api/history/{id}/html    transcript rendered as HTML
//	DELETE /api/history/{id}         delete the session
//	GET    /api/stage/{id}           list staged documents
//	DELETE /api/stage/{id}           clear the stage
//	DELETE /api/stage/{id}/{index}   remove one staged document by position
//	GET    /healthz                  liveness check (never authenticated)
//
// # Error Responses
//
// Chat failures carry the pipeline phase and a committed flag:
//
//	{"error": "model unavailable", "phase": "awaiting_model", "committed": true}
//
// committed=true means the user turn was durably recorded before the failure;
// the client should call retry rather than resend the message, which would
// duplicate the turn.
//
// When auth.jwt_secret is configured, all /api routes require a bearer token.
package api
