package server

import (
	"html/template"
	"io"
)

// selectorData feeds the IdP chooser shown when a (tenant, product) pair
// resolves to more than one connection. The form submits back to Action
// (/authorize or /logout) with the original parameters intact plus the
// chosen connection.
type selectorData struct {
	Action      string
	Heading     string
	Tenant      string
	Product     string
	Connections []selectorOption
	Params      map[string]string
}

type selectorOption struct {
	ID          string
	DisplayName string
	Protocol    Protocol
}

var selectorTmpl = template.Must(template.New("selector").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Choose your identity provider</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 28rem; margin: 4rem auto; padding: 0 1rem; }
button { display: block; width: 100%; margin: .5rem 0; padding: .75rem 1rem; font-size: 1rem; cursor: pointer; }
</style>
</head>
<body>
<h1>{{.Heading}}</h1>
<p>Your organization has more than one sign-in method. Choose one to continue.</p>
{{range .Connections}}
<form method="get" action="{{$.Action}}">
{{range $k, $v := $.Params}}<input type="hidden" name="{{$k}}" value="{{$v}}">
{{end}}<input type="hidden" name="connection_id" value="{{.ID}}">
<button type="submit">{{if .DisplayName}}{{.DisplayName}}{{else}}{{.ID}}{{end}}</button>
</form>
{{end}}
</body>
</html>
`))

func renderSelector(w io.Writer, data selectorData) error {
	return selectorTmpl.Execute(w, data)
}

var errorPageTmpl = template.Must(template.New("error").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Sign-in failed</title>
<style>body { font-family: system-ui, sans-serif; max-width: 28rem; margin: 4rem auto; padding: 0 1rem; }</style>
</head>
<body>
<h1>Sign-in failed</h1>
<p><code>{{.Code}}</code>{{if .Description}}: {{.Description}}{{end}}</p>
<p>Close this window and try signing in again.</p>
</body>
</html>
`))

func renderErrorPage(w io.Writer, fe *FlowError) error {
	return errorPageTmpl.Execute(w, fe)
}
