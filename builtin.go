package apisec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"regexp"
)

type builtinSignature struct {
	Signature
	verify verifyFunc
}

// builtinSignatures is the default catalogue loaded by LoadBuiltins.
var builtinSignatures = []builtinSignature{
	// Authentication material.
	{Signature: Signature{ID: "AUTH-JWT", Name: "JWT Token", Severity: SeverityHigh, Category: "auth",
		Description: "JSON Web Token exposed in traffic.",
		Pattern:     `ey[A-Za-z0-9\-_]+\.ey[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`}, verify: verifyJWT},
	{Signature: Signature{ID: "AUTH-BASIC", Name: "Basic Auth credentials", Severity: SeverityHigh, Category: "auth",
		Description: "HTTP Basic credentials sent in cleartext-equivalent encoding.",
		Pattern:     `(?i)Basic\s+[a-zA-Z0-9+/=]+`}, verify: verifyBasicAuth},
	{Signature: Signature{ID: "AUTH-SECRET", Name: "API secret/key", Severity: SeverityHigh, Category: "auth",
		Description: "Long token assigned to a key, secret or token field.",
		Pattern:     `(?i)(api[_-]?key|secret|token)[\s=:"]+[a-zA-Z0-9_\-]{20,}`}},

	// Payment and regulated data.
	{Signature: Signature{ID: "PCI-CARD", Name: "Unmasked Payment Card", Severity: SeverityHigh, Category: "pci",
		Description: "Plaintext payment card number matching a known BIN range.",
		Pattern:     `\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|3(?:0[0-5]|[68][0-9])[0-9]{11}|6(?:011|5[0-9]{2})[0-9]{12}|(?:2131|1800|35[0-9]{3})[0-9]{11})\b`,
		Scope:       ScopeBody}, verify: verifyLuhn},
	{Signature: Signature{ID: "PII-EMAIL", Name: "Email address", Severity: SeverityLow, Category: "pii",
		Description: "Email address exposed in a body.",
		Pattern:     `(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`, Scope: ScopeBody}},
	{Signature: Signature{ID: "PII-PHONE", Name: "Phone number", Severity: SeverityLow, Category: "pii",
		Description: "North American phone number exposed in a body.",
		Pattern:     `\b(?:\+?1[-. ]?)?\(?[0-9]{3}\)?[-. ]?[0-9]{3}[-. ]?[0-9]{4}\b`, Scope: ScopeBody}},
	{Signature: Signature{ID: "PII-SSN", Name: "Social Security Number", Severity: SeverityHigh, Category: "pii",
		Description: "US Social Security Number exposed in a body.",
		Pattern:     `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`, Scope: ScopeBody}},

	{Signature: Signature{ID: "DATA-VIN", Name: "Vehicle Identification Number (VIN)", Severity: SeverityLow, Category: "pii",
		Description: "17-character ISO 3779 vehicle identification number.",
		Pattern:     `\b[A-HJ-NPR-Z0-9]{13}[0-9]{4}\b`, Scope: ScopeBody}},
	{Signature: Signature{ID: "COMP-FIN-SWIFT", Name: "SWIFT/BIC Code", Severity: SeverityMedium, Category: "compliance",
		Description: "Financial institution identifier.",
		Pattern:     `\b[A-Z]{4}[A-Z]{2}[A-Z0-9]{2}(?:[A-Z0-9]{3})?\b`, Scope: ScopeBody}},
	{Signature: Signature{ID: "COMP-HIPAA", Name: "HIPAA Data Marker", Severity: SeverityInfo, Category: "compliance",
		Description: "Healthcare terminology suggesting protected health information.",
		Pattern:     `\b(?:Patient ID|medical record|health plan|diagnosis code|ePHI)\b`, Scope: ScopeBody}},
	{Signature: Signature{ID: "COMP-SOC2", Name: "SOC2 Compliance Keyword", Severity: SeverityInfo, Category: "compliance",
		Description: "Internal security or operational terminology covered by SOC 2.",
		Pattern:     `\b(?:audit log|access control list|confidentiality policy|availability report)\b`, Scope: ScopeBody}},
	{Signature: Signature{ID: "COMP-ISO27001", Name: "ISO 27001 Marker", Severity: SeverityInfo, Category: "compliance",
		Description: "Reference to ISO 27001 documentation.",
		Pattern:     `\b(?:ISMS|Statement of Applicability|Annex A|security objective|risk assessment)\b`, Scope: ScopeBody}},
	{Signature: Signature{ID: "COMP-GDPR", Name: "GDPR Data Subject Info", Severity: SeverityInfo, Category: "compliance",
		Description: "Terminology regulated by GDPR data subject rights.",
		Pattern:     `\b(?:data subject|right to be forgotten|consent withdrawal|processing purpose|data controller)\b`, Scope: ScopeBody}},

	// Cloud and SaaS credentials.
	{Signature: Signature{ID: "INFRA-AWS-KEY", Name: "AWS Access Key", Severity: SeverityHigh, Category: "secrets",
		Description: "AWS access key id.",
		Pattern:     `\b(AKIA|ASIA)[0-9A-Z]{16}\b`}},
	{Signature: Signature{ID: "INFRA-AWS-SECRET", Name: "AWS Secret Key", Severity: SeverityHigh, Category: "secrets",
		Description: "AWS secret access key assignment.",
		Pattern:     `(?i)aws_secret_access_key[\s=:"]+[a-zA-Z0-9+/]{40}`}},
	{Signature: Signature{ID: "INFRA-GCP-KEY", Name: "GCP API Key", Severity: SeverityMedium, Category: "secrets",
		Description: "Google Cloud API key.",
		Pattern:     `\bAIza[0-9A-Za-z\-_]{35}\b`}},
	{Signature: Signature{ID: "INFRA-STRIPE-KEY", Name: "Stripe Secret Key", Severity: SeverityHigh, Category: "secrets",
		Description: "Live Stripe secret key.",
		Pattern:     `sk_live_[0-9a-zA-Z]{24}`}},
	{Signature: Signature{ID: "SaaS-SLACK-WEBHOOK", Name: "Slack Incoming Webhook", Severity: SeverityMedium, Category: "secrets",
		Description: "Slack webhook URL usable for message spoofing.",
		Pattern:     `https://hooks\.slack\.com/services/T[a-zA-Z0-9_]+/B[a-zA-Z0-9_]+/[a-zA-Z0-9_]+`}},
	{Signature: Signature{ID: "SaaS-GITHUB-PAT", Name: "GitHub Personal Access Token", Severity: SeverityHigh, Category: "secrets",
		Description: "GitHub personal access token.",
		Pattern:     `ghp_[a-zA-Z0-9]{36}`}},
	{Signature: Signature{ID: "SaaS-SENDGRID-KEY", Name: "SendGrid API Key", Severity: SeverityHigh, Category: "secrets",
		Description: "SendGrid API key.",
		Pattern:     `SG\.[a-zA-Z0-9\-_]{22}\.[a-zA-Z0-9\-_]{43}`}},
	{Signature: Signature{ID: "INFRA-HEROKU-KEY", Name: "Heroku API Key", Severity: SeverityHigh, Category: "secrets",
		Description: "Heroku platform API key.",
		Pattern:     `(?i)heroku.{0,64}?\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`}},
	{Signature: Signature{ID: "SaaS-FIREBASE-KEY", Name: "Firebase API Key", Severity: SeverityMedium, Category: "secrets",
		Description: "Firebase API key. Check for permissive database rules.",
		Pattern:     `AIzaSy[A-Za-z0-9\-_]{33}`}},

	// Configuration and disclosure.
	{Signature: Signature{ID: "CONF-VERBOSE-HEADER", Name: "Verbose Information Header", Severity: SeverityInfo, Category: "config",
		Description: "Header revealing server software or framework version.",
		Pattern:     `(?im)^(Server|X-Powered-By|X-Aspnet-Version): .+$`, Scope: ScopeHeaders}},
	{Signature: Signature{ID: "CONF-CORS-ALL", Name: "Permissive CORS Policy", Severity: SeverityMedium, Category: "config",
		Description: "Access-Control-Allow-Origin allows any origin.",
		Pattern:     `(?im)^Access-Control-Allow-Origin: \*`, Scope: ScopeHeaders}},
	{Signature: Signature{ID: "CONF-RATE-LIMIT", Name: "Rate Limiting Headers", Severity: SeverityInfo, Category: "config",
		Description: "Rate limit headers reveal quota limits.",
		Pattern:     `(?im)^(X-Ratelimit-Limit|Ratelimit-Limit|X-Ratelimit-Remaining):`, Scope: ScopeHeaders}},
	{Signature: Signature{ID: "CONF-SENSITIVE-FILE", Name: "Sensitive File Reference", Severity: SeverityHigh, Category: "config",
		Description: "Reference to a sensitive file extension.",
		Pattern:     `(?i)\.(env|git|config|bak|zip|sql|tar|gz|key)\b`, Scope: ScopeHeaders}},
	{Signature: Signature{ID: "CONF-HIGH-ENTROPY", Name: "High Entropy String Detected", Severity: SeverityMedium, Category: "config",
		Description: "Random-looking string, likely an encoded key, secret or session token.",
		Pattern:     `[a-zA-Z0-9/+=]{20,64}`}, verify: verifyHighEntropy},
	{Signature: Signature{ID: "LEAK-INTERNAL-IP", Name: "Internal IP Address Disclosure", Severity: SeverityLow, Category: "leak",
		Description: "RFC 1918 address disclosed.",
		Pattern:     `\b(?:10\.\d{1,3}\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3}|172\.(?:1[6-9]|2\d|3[0-1])\.\d{1,3}\.\d{1,3})\b`}},
	{Signature: Signature{ID: "LEAK-STACK-TRACE", Name: "Stack Trace Disclosure", Severity: SeverityMedium, Category: "leak",
		Description: "Application stack trace in a body.",
		Pattern:     `(?i)(at\s+[a-zA-Z0-9$_.]+\([a-zA-Z0-9$_.]+\.java:\d+\)|stack\s+trace|Exception\s+in\s+thread|Traceback \(most recent call last\)|goroutine \d+ \[running\])`,
		Scope:       ScopeBody}},

	// Injection and API abuse markers.
	{Signature: Signature{ID: "INJ-SQL", Name: "SQL Injection Pattern", Severity: SeverityHigh, Category: "injection",
		Description: "SQL statement keywords in a payload.",
		Pattern:     `(?i)(SELECT\s+.*\s+FROM|UNION\s+ALL\s+SELECT|INSERT\s+INTO\s+.*\s+VALUES|UPDATE\s+.*\s+SET|DELETE\s+FROM)`}},
	{Signature: Signature{ID: "INJ-XSS", Name: "XSS Pattern", Severity: SeverityHigh, Category: "injection",
		Description: "Cross-site scripting vector.",
		Pattern:     `(?i)(<script>|javascript:|onerror\s*=|onload\s*=|alert\()`}},
	{Signature: Signature{ID: "INJ-NOSQL", Name: "NoSQL Injection Pattern", Severity: SeverityHigh, Category: "injection",
		Description: "MongoDB-style query operator in a payload.",
		Pattern:     `\{\s*"\$(?:gt|lt|ne|eq|in|nin|regex|where)"\s*:\s*[^}]+\}`, Scope: ScopeBody}},
	{Signature: Signature{ID: "VULN-GRAPHQL-INTRO", Name: "GraphQL Introspection Detected", Severity: SeverityMedium, Category: "api",
		Description: "GraphQL introspection reveals the full schema.",
		Pattern:     `(?i)(__schema|__type|__typekind|__field|__inputvalue)`, Scope: ScopeBody}},
	{Signature: Signature{ID: "VULN-GRAPHQL-BATCH", Name: "Potential GraphQL Batch Attack", Severity: SeverityMedium, Category: "api",
		Description: "Many GraphQL queries batched in one payload, usable for brute force or resource exhaustion.",
		Pattern:     `(?s)\[.*\]`, Scope: ScopeBody}, verify: verifyGraphQLBatch},
	{Signature: Signature{ID: "LEAK-GRAPHQL-SENSITIVE", Name: "Sensitive Field in GraphQL Payload", Severity: SeverityLow, Category: "api",
		Description: "Payload names a sensitive field. Check field-level authorization.",
		Pattern:     `(?i)"(?:password|secret|token|apiKey|creditCard|ssn|hash)\s*"`, Scope: ScopeBody}},
	{Signature: Signature{ID: "VULN-MASS-ASSIGNMENT", Name: "Potential Mass Assignment", Severity: SeverityMedium, Category: "api",
		Description: "Privilege field present in a JSON payload.",
		Pattern:     `(?i)"(isAdmin|is_admin|role|permissions|account_type|is_verified|privileges)"\s*:\s*(true|false|"[^"]+")`,
		Scope:       ScopeBody}},
	{Signature: Signature{ID: "VULN-SSRF", Name: "Potential SSRF Vector", Severity: SeverityHigh, Category: "api",
		Description: "Parameter pointing at a loopback or metadata address.",
		Pattern:     `(?i)(?:url|u|link|src|dest|redirect|callback)=(?:https?|ftp)://(?:localhost|127\.0\.0\.1|169\.254\.169\.254|0\.0\.0\.0|\[::1\])`}},
	{Signature: Signature{ID: "VULN-BOLA-ID", Name: "Potential BOLA Pattern", Severity: SeverityMedium, Category: "api",
		Description: "Direct object reference in a URL path.",
		Pattern:     `/(?:user|account|order|invoice)s?/(?:[0-9]{3,}|[a-f0-9]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\b`,
		Scope:       ScopeHeaders}},
	{Signature: Signature{ID: "MGMT-OUTDATED-API", Name: "Outdated API Version", Severity: SeverityLow, Category: "inventory",
		Description: "Endpoint under a deprecated or non-production version prefix.",
		Pattern:     `(?i)^[A-Z]+ \S*/(v0|v1|beta|deprecated|test|old|staging)/`, Scope: ScopeHeaders}},
	{Signature: Signature{ID: "MGMT-GRPC-API", Name: "gRPC API Endpoint Detected", Severity: SeverityInfo, Category: "inventory",
		Description: "Endpoint uses gRPC framing.",
		Pattern:     `(?im)^Content-Type: application/grpc`, Scope: ScopeHeaders}},
}

// LoadBuiltins registers the built-in signature catalogue, enabled.
func (e *FindingEngine) LoadBuiltins() error {
	for _, b := range builtinSignatures {
		sig := b.Signature
		sig.Enabled = true
		if err := e.addBuiltin(sig, b.verify); err != nil {
			return err
		}
	}
	return nil
}

// BuiltinSignatures returns the built-in catalogue.
func BuiltinSignatures() []Signature {
	out := make([]Signature, len(builtinSignatures))
	for i, b := range builtinSignatures {
		out[i] = b.Signature
		out[i].Builtin = true
		out[i].Enabled = true
	}
	return out
}

func verifyLuhn(match []byte) bool {
	sum := 0
	double := false
	for i := len(match) - 1; i >= 0; i-- {
		c := match[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func verifyJWT(match []byte) bool {
	parts := bytes.Split(match, []byte("."))
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts[:2] {
		raw, err := base64.RawURLEncoding.DecodeString(string(bytes.TrimRight(p, "=")))
		if err != nil || !json.Valid(raw) {
			return false
		}
	}
	return true
}

var basicCredentials = regexp.MustCompile(`(?i)^Basic\s+`)

func verifyBasicAuth(match []byte) bool {
	token := basicCredentials.ReplaceAll(match, nil)
	decoded, err := base64.StdEncoding.DecodeString(string(token))
	if err != nil {
		return false
	}
	return bytes.IndexByte(decoded, ':') > 0
}

// minSecretEntropy is the Shannon entropy, in bits per character, above
// which a candidate string is treated as key material.
const minSecretEntropy = 4.5

func verifyHighEntropy(match []byte) bool {
	return shannonEntropy(match) > minSecretEntropy
}

func shannonEntropy(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	var counts [256]int
	for _, c := range b {
		counts[c]++
	}
	n := float64(len(b))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// graphQLBatchThreshold is the number of queries a single payload may carry
// before it is reported as a batch.
const graphQLBatchThreshold = 5

func verifyGraphQLBatch(match []byte) bool {
	return bytes.Count(match, []byte("query")) > graphQLBatchThreshold
}
