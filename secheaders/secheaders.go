// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package secheaders implements the stateless security response
// header injector.
package secheaders

import (
	"net/http"
	"strconv"
)

type (
	// Policy configures which headers Injector sets. Each pointer
	// field defaults to enabled with the documented value when nil;
	// set it to a pointer to an empty string (or false, for toggles)
	// to disable that header.
	Policy struct {
		ContentSecurityPolicy *string
		FrameOptions          *string
		ContentTypeOptions    *string
		XSSProtection         *string
		ReferrerPolicy        *string
		PermissionsPolicy     *string

		// HSTS applies only when the request is judged secure (see
		// Secure). A zero MaxAgeSeconds is replaced with 15552000
		// (180 days); a negative value disables the header.
		HSTSMaxAgeSeconds     int
		HSTSIncludeSubDomains bool
		HSTSPreload           bool

		CrossOriginOpenerPolicy   *string
		CrossOriginEmbedderPolicy *string
		CrossOriginResourcePolicy *string

		// RemoveHeaders lists response headers stripped when the
		// handler commits its status code, e.g. "X-Powered-By".
		RemoveHeaders []string

		// CustomHeaders are applied last, after every built-in policy.
		CustomHeaders map[string]string
	}

	// Injector is a stateless http.Handler wrapper; it holds only its
	// resolved Policy defaults.
	Injector struct {
		policy Policy
	}
)

func strPtr(s string) *string { return &s }

var (
	defaultCSP                = strPtr("default-src 'self'")
	defaultFrameOptions       = strPtr("DENY")
	defaultContentTypeOptions = strPtr("nosniff")
	defaultXSSProtection      = strPtr("1; mode=block")
	defaultReferrerPolicy     = strPtr("no-referrer")
	defaultPermissionsPolicy  = strPtr("geolocation=(), microphone=(), camera=()")
	defaultCOOP               = strPtr("same-origin")
	defaultCOEP               = strPtr("require-corp")
	defaultCORP               = strPtr("same-origin")
)

// New fills unset Policy fields with their documented defaults and
// returns an Injector.
func New(policy Policy) *Injector {
	if policy.ContentSecurityPolicy == nil {
		policy.ContentSecurityPolicy = defaultCSP
	}
	if policy.FrameOptions == nil {
		policy.FrameOptions = defaultFrameOptions
	}
	if policy.ContentTypeOptions == nil {
		policy.ContentTypeOptions = defaultContentTypeOptions
	}
	if policy.XSSProtection == nil {
		policy.XSSProtection = defaultXSSProtection
	}
	if policy.ReferrerPolicy == nil {
		policy.ReferrerPolicy = defaultReferrerPolicy
	}
	if policy.PermissionsPolicy == nil {
		policy.PermissionsPolicy = defaultPermissionsPolicy
	}
	if policy.CrossOriginOpenerPolicy == nil {
		policy.CrossOriginOpenerPolicy = defaultCOOP
	}
	if policy.CrossOriginEmbedderPolicy == nil {
		policy.CrossOriginEmbedderPolicy = defaultCOEP
	}
	if policy.CrossOriginResourcePolicy == nil {
		policy.CrossOriginResourcePolicy = defaultCORP
	}
	if policy.HSTSMaxAgeSeconds == 0 {
		policy.HSTSMaxAgeSeconds = 15552000 // 180 days
	}

	return &Injector{policy: policy}
}

// Secure reports whether r was received over a secure transport:
// req.TLS set, or X-Forwarded-Proto: https.
func Secure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return r.Header.Get("X-Forwarded-Proto") == "https"
}

func (i *Injector) apply(w http.ResponseWriter, r *http.Request) {
	h := w.Header()

	for _, name := range i.policy.RemoveHeaders {
		h.Del(name)
	}

	if v := i.policy.ContentSecurityPolicy; v != nil && *v != "" {
		h.Set("Content-Security-Policy", *v)
	}
	if v := i.policy.FrameOptions; v != nil && *v != "" {
		h.Set("X-Frame-Options", *v)
	}
	if v := i.policy.ContentTypeOptions; v != nil && *v != "" {
		h.Set("X-Content-Type-Options", *v)
	}
	if v := i.policy.XSSProtection; v != nil && *v != "" {
		h.Set("X-XSS-Protection", *v)
	}
	if v := i.policy.ReferrerPolicy; v != nil && *v != "" {
		h.Set("Referrer-Policy", *v)
	}
	if v := i.policy.PermissionsPolicy; v != nil && *v != "" {
		h.Set("Permissions-Policy", *v)
	}
	if v := i.policy.CrossOriginOpenerPolicy; v != nil && *v != "" {
		h.Set("Cross-Origin-Opener-Policy", *v)
	}
	if v := i.policy.CrossOriginEmbedderPolicy; v != nil && *v != "" {
		h.Set("Cross-Origin-Embedder-Policy", *v)
	}
	if v := i.policy.CrossOriginResourcePolicy; v != nil && *v != "" {
		h.Set("Cross-Origin-Resource-Policy", *v)
	}

	if i.policy.HSTSMaxAgeSeconds > 0 && Secure(r) {
		value := hstsValue(i.policy.HSTSMaxAgeSeconds, i.policy.HSTSIncludeSubDomains, i.policy.HSTSPreload)
		h.Set("Strict-Transport-Security", value)
	}

	for name, value := range i.policy.CustomHeaders {
		h.Set(name, value)
	}
}

func hstsValue(maxAge int, includeSubDomains, preload bool) string {
	value := "max-age=" + strconv.Itoa(maxAge)
	if includeSubDomains {
		value += "; includeSubDomains"
	}
	if preload {
		value += "; preload"
	}
	return value
}

// headerWriter defers security-header injection until the handler
// commits a status code, so RemoveHeaders also strips anything the
// handler itself set (e.g. a framework's own X-Powered-By) and our
// own headers always win regardless of handler order.
type headerWriter struct {
	http.ResponseWriter
	injector    *Injector
	req         *http.Request
	wroteHeader bool
}

func (w *headerWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.injector.apply(w.ResponseWriter, w.req)
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *headerWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Middleware wraps the response writer so every enabled header is
// applied, and RemoveHeaders stripped, right before the status code
// and body are committed.
func (i *Injector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&headerWriter{ResponseWriter: w, injector: i, req: r}, r)
	})
}
