// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"

	"github.com/stacklok/authkit/pkg/provider"
	"github.com/stacklok/authkit/pkg/provider/code"
	"github.com/stacklok/authkit/pkg/provider/password"
)

// Minimal server-rendered pages for the demo flows. A real deployment
// replaces these callbacks with its own UI; the providers only care about
// the form field names.
var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 24rem; margin: 4rem auto; padding: 0 1rem; }
    form { display: flex; flex-direction: column; gap: 0.75rem; }
    input { padding: 0.5rem; font-size: 1rem; }
    button { padding: 0.5rem; font-size: 1rem; cursor: pointer; }
    .error { color: #b00020; }
    .hint { color: #555; font-size: 0.875rem; }
    nav { margin-top: 1.5rem; font-size: 0.875rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
  {{.Body}}
</body>
</html>
`))

type pageData struct {
	Title string
	Error string
	Body  template.HTML
}

func renderPage(title string, err error, body string) (*provider.Response, error) {
	data := pageData{Title: title, Body: template.HTML(body)} // #nosec G203 - body is built from trusted templates below
	if err != nil {
		data.Error = err.Error()
	}
	var buf bytes.Buffer
	if renderErr := pageTemplate.Execute(&buf, data); renderErr != nil {
		return nil, fmt.Errorf("failed to render page: %w", renderErr)
	}
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	return &provider.Response{
		Status: http.StatusOK,
		Header: header,
		Body:   buf.Bytes(),
	}, nil
}

// renderSelectPage lists the configured providers as links that restart the
// authorization request with ?provider= set.
func renderSelectPage(r *http.Request, providers []string) (*provider.Response, error) {
	var body bytes.Buffer
	body.WriteString("<nav>")
	for _, name := range providers {
		query := r.URL.Query()
		query.Set("provider", name)
		fmt.Fprintf(&body, `<p><a href="?%s">Sign in with %s</a></p>`,
			template.HTMLEscapeString(query.Encode()), template.HTMLEscapeString(name))
	}
	body.WriteString("</nav>")
	return renderPage("Sign in", nil, body.String())
}

// renderCodePage covers the two email-code states: claim entry and code
// verification. Forms post back to the provider's own authorize endpoint.
func renderCodePage(_ *http.Request, state code.State, err error) (*provider.Response, error) {
	switch state.Type {
	case code.StateCode:
		body := `<form method="post">
  <input type="hidden" name="action" value="verify">
  <input name="code" placeholder="Verification code" autocomplete="one-time-code" autofocus required>
  <button type="submit">Verify</button>
</form>
<form method="post">
  <input type="hidden" name="action" value="resend">
  <button type="submit">Resend code</button>
</form>
<p class="hint">The demo server writes codes to its log.</p>`
		return renderPage("Enter your code", err, body)
	default:
		email := template.HTMLEscapeString(state.Claims["email"])
		body := fmt.Sprintf(`<form method="post">
  <input type="hidden" name="action" value="request">
  <input name="email" type="email" placeholder="Email" value="%s" autofocus required>
  <button type="submit">Send code</button>
</form>`, email)
		return renderPage("Sign in with a code", err, body)
	}
}

// renderPasswordPage covers the six password provider states. The pages are
// siblings under the provider mount, so relative form actions resolve to
// the right handler from any of them.
func renderPasswordPage(_ *http.Request, state password.State, err error) (*provider.Response, error) {
	email := template.HTMLEscapeString(state.Email)
	switch state.Type {
	case password.StateRegister:
		body := fmt.Sprintf(`<form method="post" action="register">
  <input type="hidden" name="action" value="register">
  <input name="email" type="email" placeholder="Email" value="%s" autofocus required>
  <input name="password" type="password" placeholder="Password" autocomplete="new-password" required>
  <button type="submit">Create account</button>
</form>
<nav><a href="authorize">Back to sign in</a></nav>`, email)
		return renderPage("Create an account", err, body)
	case password.StateRegisterCode:
		body := `<form method="post" action="register">
  <input type="hidden" name="action" value="verify">
  <input name="code" placeholder="Verification code" autocomplete="one-time-code" autofocus required>
  <button type="submit">Verify</button>
</form>
<p class="hint">The demo server writes codes to its log.</p>`
		return renderPage("Confirm your email", err, body)
	case password.StateChange:
		body := fmt.Sprintf(`<form method="post" action="change">
  <input type="hidden" name="action" value="request">
  <input name="email" type="email" placeholder="Email" value="%s" autofocus required>
  <button type="submit">Send code</button>
</form>`, email)
		return renderPage("Reset your password", err, body)
	case password.StateChangeCode:
		body := `<form method="post" action="change">
  <input type="hidden" name="action" value="verify">
  <input name="code" placeholder="Verification code" autocomplete="one-time-code" autofocus required>
  <button type="submit">Verify</button>
</form>`
		return renderPage("Confirm the reset", err, body)
	case password.StateChangeUpdate:
		body := `<form method="post" action="change">
  <input type="hidden" name="action" value="update">
  <input name="password" type="password" placeholder="New password" autocomplete="new-password" autofocus required>
  <button type="submit">Update password</button>
</form>`
		return renderPage("Choose a new password", err, body)
	default:
		body := fmt.Sprintf(`<form method="post" action="authorize">
  <input name="email" type="email" placeholder="Email" value="%s" autofocus required>
  <input name="password" type="password" placeholder="Password" autocomplete="current-password" required>
  <button type="submit">Sign in</button>
</form>
<nav>
  <a href="register">Create an account</a> &middot;
  <a href="change">Forgot password</a>
</nav>`, email)
		return renderPage("Sign in", err, body)
	}
}
