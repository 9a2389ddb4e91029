// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package rewrite injects magic-login tokens into the links of outbound
// email HTML and recovers the original destination on the way back in.
package rewrite

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Query parameters of the magic-link wire contract.
const (
	TokenParam    = "agw_token"
	RedirectParam = "agw_redirect"
)

// Decision classifies a single link during rewriting.
type Decision string

const (
	DecisionRewrite         Decision = "rewrite"
	DecisionSkipProtocol    Decision = "skip:protocol"
	DecisionSkipUnsubscribe Decision = "skip:unsubscribe"
	DecisionSkipExternal    Decision = "skip:external"
	DecisionSkipPolicy      Decision = "skip:policy"
	DecisionSkipMalformed   Decision = "skip:malformed"
)

// Schemes that never navigate to the site and so never carry tokens.
var skipSchemes = []string{"mailto:", "tel:", "sms:", "javascript:"}

// SkipPolicy can veto rewriting of a link the built-in classifier would
// allow. Returning true skips the link.
type SkipPolicy func(rawurl string) bool

// TransformURL adjusts a rewritten URL before it is substituted back into
// the document.
type TransformURL func(rawurl string) string

// Rewriter adds magic-login parameters to eligible links of an HTML
// document. Tokens are only attached to links pointing at the site itself.
type Rewriter struct {
	siteHost          string
	siteRoot          string
	unsubscribeMarker string
	skipPolicy        SkipPolicy
	transformURL      TransformURL
}

// New creates a rewriter for the given site base URL.
func New(baseURL string) *Rewriter {
	root := strings.TrimSuffix(baseURL, "/")
	host := ""
	if u, err := url.Parse(baseURL); err == nil {
		host = u.Host
	}
	return &Rewriter{
		siteHost:          host,
		siteRoot:          root,
		unsubscribeMarker: "unsubscribe",
	}
}

// SetSkipPolicy installs an external veto consulted after the built-in
// classifier has allowed a link.
func (rw *Rewriter) SetSkipPolicy(fn SkipPolicy) {
	rw.skipPolicy = fn
}

// SetTransformURL installs a transform applied to each rewritten URL.
func (rw *Rewriter) SetTransformURL(fn TransformURL) {
	rw.transformURL = fn
}

// SiteRoot returns the site base URL without a trailing slash.
func (rw *Rewriter) SiteRoot() string {
	return rw.siteRoot
}

// Rewrite parses the document, classifies every anchor href and rewrites the
// eligible ones to carry the token plus the encoded original destination.
// Running it on already-rewritten output merges the parameters instead of
// duplicating them.
func (rw *Rewriter) Rewrite(body, token string) (string, error) {
	if token == "" {
		return body, nil
	}

	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return body, err
	}

	rw.walk(doc, token)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return body, err
	}
	return buf.String(), nil
}

func (rw *Rewriter) walk(n *html.Node, token string) {
	if n.Type == html.ElementNode && n.DataAtom == atom.A {
		for i := range n.Attr {
			if n.Attr[i].Key != "href" {
				continue
			}
			if rw.Classify(n.Attr[i].Val) == DecisionRewrite {
				n.Attr[i].Val = rw.rewriteURL(n.Attr[i].Val, token)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		rw.walk(c, token)
	}
}

// Classify decides whether a single href is rewritten or why it is skipped.
func (rw *Rewriter) Classify(rawurl string) Decision {
	trimmed := strings.TrimSpace(rawurl)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return DecisionSkipProtocol
	}

	lower := strings.ToLower(trimmed)
	for _, scheme := range skipSchemes {
		if strings.HasPrefix(lower, scheme) {
			return DecisionSkipProtocol
		}
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return DecisionSkipMalformed
	}

	if strings.Contains(u.Path, rw.unsubscribeMarker) {
		return DecisionSkipUnsubscribe
	}

	// Tokens must never leak to third-party hosts.
	if u.Host != "" && u.Host != rw.siteHost {
		return DecisionSkipExternal
	}

	if rw.skipPolicy != nil && rw.skipPolicy(trimmed) {
		return DecisionSkipPolicy
	}

	return DecisionRewrite
}

// rewriteURL attaches the token and the encoded destination to the URL,
// preserving existing query parameters and the fragment.
func (rw *Rewriter) rewriteURL(rawurl, token string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}

	// The destination is the link without any magic parameters, so a second
	// rewriting pass records the same destination as the first.
	cleanQuery := stripMagicParams(u.RawQuery)
	dest := rebuild(u, cleanQuery)

	var query strings.Builder
	if cleanQuery != "" {
		query.WriteString(cleanQuery)
		query.WriteByte('&')
	}
	query.WriteString(TokenParam)
	query.WriteByte('=')
	query.WriteString(url.QueryEscape(token))
	query.WriteByte('&')
	query.WriteString(RedirectParam)
	query.WriteByte('=')
	query.WriteString(url.QueryEscape(dest))

	out := rebuild(u, query.String())
	if rw.transformURL != nil {
		out = rw.transformURL(out)
	}
	return out
}

// ExtractDestination is the inverse of Rewrite for a single URL: the decoded
// redirect parameter if present, otherwise the URL with magic parameters
// stripped, otherwise the site root.
func (rw *Rewriter) ExtractDestination(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || u.RawQuery == "" {
		return rw.siteRoot
	}

	if dest := u.Query().Get(RedirectParam); dest != "" {
		return dest
	}

	return rebuild(u, stripMagicParams(u.RawQuery))
}

// StripMagicParams removes the magic-login parameters from a URL, leaving
// everything else intact.
func StripMagicParams(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	return rebuild(u, stripMagicParams(u.RawQuery))
}

// stripMagicParams filters the magic parameters out of a raw query string
// while preserving the order of the remaining pairs.
func stripMagicParams(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	var keep []string
	for _, pair := range strings.Split(rawQuery, "&") {
		key := pair
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			key = pair[:idx]
		}
		if key == TokenParam || key == RedirectParam {
			continue
		}
		keep = append(keep, pair)
	}
	return strings.Join(keep, "&")
}

// rebuild assembles scheme, host, port, path, query and fragment in that
// fixed order.
func rebuild(u *url.URL, rawQuery string) string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	}
	b.WriteString(u.Host)
	b.WriteString(u.EscapedPath())
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.EscapedFragment())
	}
	return b.String()
}
