// ABOUTME: HTML transcript rendering for GET /api/history/{id}/html
// ABOUTME: Renders turn contents as markdown with staged-document summaries

package api

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/hallryn/attache/internal/store"
	"github.com/hallryn/attache/internal/tags"
)

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Session {{.SessionID}}</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
.turn { margin-bottom: 1.5rem; padding: 0.75rem 1rem; border-radius: 6px; }
.turn .role { font-size: 0.8rem; text-transform: uppercase; color: #666; margin-bottom: 0.25rem; }
.turn.user { background: #eef3fa; }
.turn.assistant { background: #f4f4f4; }
.turn.system { background: #fdf6e3; font-style: italic; }
.documents { font-size: 0.85rem; color: #666; margin-top: 0.5rem; }
</style>
</head>
<body>
<h1>Session {{.SessionID}}</h1>
{{range .Turns}}<div class="turn {{.Role}}">
<div class="role">{{.Role}}</div>
{{.Body}}
{{if .Documents}}<div class="documents">Attached: {{range $i, $d := .Documents}}{{if $i}}, {{end}}{{$d}}{{end}}</div>{{end}}
</div>
{{end}}</body>
</html>
`))

type transcriptTurn struct {
	Role      string
	Body      template.HTML
	Documents []string
}

type transcriptData struct {
	SessionID string
	Turns     []transcriptTurn
}

// handleHistoryHTML renders a session transcript as an HTML page. User turns
// show their free text with document markers collapsed to a filename list.
func (s *Server) handleHistoryHTML(w http.ResponseWriter, r *http.Request, sessionID string) {
	if sessionID == "" {
		s.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	turns, err := s.log.Read(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to read history", "error", err, "session_id", sessionID)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	data := transcriptData{
		SessionID: sessionID,
		Turns:     make([]transcriptTurn, len(turns)),
	}
	for i, t := range turns {
		text := t.Content
		var documents []string
		if t.Role == store.RoleUser {
			blocks, remainder := tags.Decode(t.Content)
			text = remainder
			for _, b := range blocks {
				documents = append(documents, b.Filename)
			}
		}

		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(text), &buf); err != nil {
			s.logger.Error("markdown rendering failed", "error", err, "session_id", sessionID)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		data.Turns[i] = transcriptTurn{
			Role:      t.Role,
			Body:      template.HTML(buf.String()),
			Documents: documents,
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := transcriptTemplate.Execute(w, data); err != nil {
		s.logger.Error("template rendering failed", "error", err, "session_id", sessionID)
	}
}
