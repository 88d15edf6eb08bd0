// ABOUTME: Browser-facing pages shown after the OAuth callback
// ABOUTME: Page bodies are markdown rendered to HTML with goldmark

package auth

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"
	texttemplate "text/template"

	"github.com/yuin/goldmark"
)

var landingMarkdown = texttemplate.Must(texttemplate.New("landing").Parse(`# Signed in as {{.Login}}

Privilege tier: **{{.Tier}}**

Use this bearer token with your MCP client. It expires at {{.Expires}}.

` + "```" + `
{{.Token}}
` + "```" + `

Endpoints:

- Streamable HTTP: ` + "`{{.BaseURL}}/mcp`" + `
- SSE: ` + "`{{.BaseURL}}/sse`" + `
`))

var failureMarkdown = texttemplate.Must(texttemplate.New("failure").Parse(`# Sign in failed

{{.Description}}

[Try again]({{.Retry}})
`))

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>tablegate</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 44rem; margin: 3rem auto; padding: 0 1rem; line-height: 1.5; }
pre { background: #f4f4f4; padding: 1rem; overflow-x: auto; word-break: break-all; white-space: pre-wrap; }
</style>
</head>
<body>
{{.}}
</body>
</html>
`))

func (b *Broker) renderLanding(w http.ResponseWriter, p Principal, issued *IssuedToken) {
	data := struct {
		Login   string
		Tier    Tier
		Token   string
		Expires string
		BaseURL string
	}{
		Login:   p.Login,
		Tier:    p.Tier,
		Token:   issued.Token,
		Expires: issued.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"),
		BaseURL: b.cfg.BaseURL,
	}
	b.renderMarkdown(w, http.StatusOK, landingMarkdown, data)
}

func (b *Broker) renderFailure(w http.ResponseWriter, e *AuthExchangeError) {
	data := struct {
		Description string
		Retry       string
	}{
		Description: exchangeDescription(e),
		Retry:       b.AuthorizeURL(),
	}
	b.renderMarkdown(w, e.Status, failureMarkdown, data)
}

func (b *Broker) renderMarkdown(w http.ResponseWriter, status int, tmpl *texttemplate.Template, data any) {
	var md strings.Builder
	if err := tmpl.Execute(&md, data); err != nil {
		b.logger.Error("failed to render page markdown", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// goldmark drops raw HTML unless configured otherwise, so interpolated
	// values cannot inject markup.
	var htmlBuf bytes.Buffer
	if err := goldmark.Convert([]byte(md.String()), &htmlBuf); err != nil {
		b.logger.Error("failed to convert markdown", "error", err)
		htmlBuf.Reset()
		htmlBuf.WriteString("<p>Failed to render page.</p>")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, template.HTML(htmlBuf.String())); err != nil {
		b.logger.Error("failed to render page", "error", err)
	}
}
