package webhook

import (
	"crypto/sha1"
	"crypto/sha256"
	"strconv"
	"strings"
)

// schemes maps a provider app ID to its signature scheme. Base64 versus hex
// encoding per provider is load-bearing; getting it wrong rejects every
// legitimate delivery.
var schemes = map[string]scheme{
	"slack":        verifySlack,
	"stripe":       verifyStripe,
	"shopify":      verifyShopify,
	"github":       verifyGitHub,
	"gitlab":       verifyGitLab,
	"bitbucket":    verifyHubSHA1,
	"intercom":     verifyHubSHA1,
	"zendesk":      verifyZendesk,
	"hubspot":      verifyHubSpot,
	"docusign":     verifyDocuSign,
	"square":       verifySquare,
	"calendly":     verifyCalendly,
	"surveymonkey": verifySurveyMonkey,
}

// verifySlack checks HMAC-SHA256 over "v0:{ts}:{body}", hex after "v0=".
func verifySlack(v *Verifier, req Request, secret string) Result {
	sig := req.Headers.Get("x-slack-signature")
	rawTS := req.Headers.Get("x-slack-request-timestamp")
	if sig == "" || rawTS == "" {
		return fail("missing slack signature headers")
	}
	ts, res := v.checkTimestamp(rawTS)
	if !res.Verified {
		return res
	}
	if !strings.HasPrefix(sig, "v0=") {
		return fail("slack signature missing v0= prefix")
	}
	base := []byte("v0:" + strconv.FormatInt(ts, 10) + ":")
	expected := hmacDigest(sha256.New, secret, base, req.Body)
	if !equalHex(expected, strings.TrimPrefix(sig, "v0=")) {
		return fail("slack signature mismatch")
	}
	return ok()
}

// verifyStripe parses "t=...,v1=..." and checks HMAC-SHA256 over
// "{ts}.{body}" in hex. Multiple v1 entries are accepted if any matches
// (Stripe sends several during secret rotation).
func verifyStripe(v *Verifier, req Request, secret string) Result {
	header := req.Headers.Get("stripe-signature")
	if header == "" {
		return fail("missing stripe-signature header")
	}
	var rawTS string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			rawTS = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if rawTS == "" || len(candidates) == 0 {
		return fail("stripe-signature header missing t= or v1=")
	}
	ts, res := v.checkTimestamp(rawTS)
	if !res.Verified {
		return res
	}
	base := []byte(strconv.FormatInt(ts, 10) + ".")
	expected := hmacDigest(sha256.New, secret, base, req.Body)
	for _, candidate := range candidates {
		if equalHex(expected, candidate) {
			return ok()
		}
	}
	return fail("stripe signature mismatch")
}

// verifyShopify checks HMAC-SHA256 over the body, base64.
func verifyShopify(_ *Verifier, req Request, secret string) Result {
	sig := req.Headers.Get("x-shopify-hmac-sha256")
	if sig == "" {
		return fail("missing x-shopify-hmac-sha256 header")
	}
	expected := hmacDigest(sha256.New, secret, req.Body)
	if !equalBase64(expected, sig) {
		return fail("shopify signature mismatch")
	}
	return ok()
}

// verifyGitHub checks HMAC-SHA256 over the body, hex with "sha256=" prefix.
func verifyGitHub(_ *Verifier, req Request, secret string) Result {
	sig := req.Headers.Get("x-hub-signature-256")
	if sig == "" {
		return fail("missing x-hub-signature-256 header")
	}
	if !strings.HasPrefix(sig, "sha256=") {
		return fail("github signature missing sha256= prefix")
	}
	expected := hmacDigest(sha256.New, secret, req.Body)
	if !equalHex(expected, strings.TrimPrefix(sig, "sha256=")) {
		return fail("github signature mismatch")
	}
	return ok()
}

// verifyGitLab checks token equality.
func verifyGitLab(_ *Verifier, req Request, secret string) Result {
	token := req.Headers.Get("x-gitlab-token")
	if token == "" {
		return fail("missing x-gitlab-token header")
	}
	if !equalString(token, secret) {
		return fail("gitlab token mismatch")
	}
	return ok()
}

// verifyHubSHA1 checks HMAC-SHA1 over the body, hex with "sha1=" prefix.
// Bitbucket and Intercom share this legacy scheme.
func verifyHubSHA1(_ *Verifier, req Request, secret string) Result {
	sig := req.Headers.Get("x-hub-signature")
	if sig == "" {
		return fail("missing x-hub-signature header")
	}
	if !strings.HasPrefix(sig, "sha1=") {
		return fail("signature missing sha1= prefix")
	}
	expected := hmacDigest(sha1.New, secret, req.Body)
	if !equalHex(expected, strings.TrimPrefix(sig, "sha1=")) {
		return fail("sha1 signature mismatch")
	}
	return ok()
}

// verifyZendesk checks HMAC-SHA256 over "{body}{secret}{ts}", base64.
func verifyZendesk(v *Verifier, req Request, secret string) Result {
	sig := req.Headers.Get("x-zendesk-webhook-signature")
	rawTS := req.Headers.Get("x-zendesk-webhook-signature-timestamp")
	if sig == "" || rawTS == "" {
		return fail("missing zendesk signature headers")
	}
	if _, res := v.checkTimestamp(rawTS); !res.Verified {
		return res
	}
	expected := hmacDigest(sha256.New, secret, req.Body, []byte(secret), []byte(strings.TrimSpace(rawTS)))
	if !equalBase64(expected, sig) {
		return fail("zendesk signature mismatch")
	}
	return ok()
}

// verifyHubSpot checks HMAC-SHA256 over METHOD + host + path + body + ts,
// base64.
func verifyHubSpot(v *Verifier, req Request, secret string) Result {
	sig := req.Headers.Get("x-hubspot-signature")
	rawTS := req.Headers.Get("x-hubspot-request-timestamp")
	if sig == "" || rawTS == "" {
		return fail("missing hubspot signature headers")
	}
	if _, res := v.checkTimestamp(rawTS); !res.Verified {
		return res
	}
	expected := hmacDigest(sha256.New, secret,
		[]byte(strings.ToUpper(req.Method)),
		[]byte(req.Host),
		[]byte(req.Path),
		req.Body,
		[]byte(strings.TrimSpace(rawTS)))
	if !equalBase64(expected, sig) {
		return fail("hubspot signature mismatch")
	}
	return ok()
}

// verifyDocuSign checks HMAC-SHA256 over the body, base64.
func verifyDocuSign(_ *Verifier, req Request, secret string) Result {
	sig := req.Headers.Get("x-docusign-signature-1")
	if sig == "" {
		return fail("missing x-docusign-signature-1 header")
	}
	expected := hmacDigest(sha256.New, secret, req.Body)
	if !equalBase64(expected, sig) {
		return fail("docusign signature mismatch")
	}
	return ok()
}

// verifySquare checks HMAC-SHA256 over notification URL + body, base64.
// The URL is reconstructed from host and path; Square signs the exact
// notification URL configured for the subscription.
func verifySquare(_ *Verifier, req Request, secret string) Result {
	sig := req.Headers.Get("x-square-hmacsha256-signature")
	if sig == "" {
		return fail("missing x-square-hmacsha256-signature header")
	}
	url := "https://" + req.Host + req.Path
	expected := hmacDigest(sha256.New, secret, []byte(url), req.Body)
	if !equalBase64(expected, sig) {
		return fail("square signature mismatch")
	}
	return ok()
}

// verifyCalendly parses "t=...,v1=..." and checks HMAC-SHA256 over
// "{ts}.{body}" in hex, the same canonicalization Stripe uses.
func verifyCalendly(v *Verifier, req Request, secret string) Result {
	header := req.Headers.Get("calendly-webhook-signature")
	if header == "" {
		return fail("missing calendly-webhook-signature header")
	}
	var rawTS, candidate string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			rawTS = value
		case "v1":
			candidate = value
		}
	}
	if rawTS == "" || candidate == "" {
		return fail("calendly-webhook-signature header missing t= or v1=")
	}
	ts, res := v.checkTimestamp(rawTS)
	if !res.Verified {
		return res
	}
	base := []byte(strconv.FormatInt(ts, 10) + ".")
	expected := hmacDigest(sha256.New, secret, base, req.Body)
	if !equalHex(expected, candidate) {
		return fail("calendly signature mismatch")
	}
	return ok()
}

// verifySurveyMonkey checks HMAC-SHA1 over the body, base64.
func verifySurveyMonkey(_ *Verifier, req Request, secret string) Result {
	sig := req.Headers.Get("sm-signature")
	if sig == "" {
		return fail("missing sm-signature header")
	}
	expected := hmacDigest(sha1.New, secret, req.Body)
	if !equalBase64(expected, sig) {
		return fail("surveymonkey signature mismatch")
	}
	return ok()
}
