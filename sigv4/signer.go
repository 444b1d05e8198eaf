package sigv4

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/smithy-go/encoding/httpbinding"
)

// ignoredHeaders are never part of the signature input.
var ignoredHeaders = map[string]struct{}{
	"Authorization":   {},
	"User-Agent":      {},
	"X-Amzn-Trace-Id": {},
	"Expect":          {},
}

// SignerConfig configures a Signer. All validation happens in NewSigner.
type SignerConfig struct {
	Credentials Credentials
	Region      string

	// DisableURIPathEscaping skips the extra canonical-URI escaping pass.
	// Object-storage keys are escaped exactly once when the request URL is
	// built, so executors normally leave this enabled.
	DisableURIPathEscaping bool
}

// Signer computes SigV4 signatures over canonical request representations.
// It is stateless and safe for concurrent use; the streaming chunk case is
// handled by ChunkSigner.
type Signer struct {
	config SignerConfig
}

// NewSigner validates the configuration and returns a Signer.
func NewSigner(config SignerConfig) (*Signer, error) {
	if err := config.Credentials.validate(); err != nil {
		return nil, err
	}
	if config.Region == "" {
		return nil, fmt.Errorf("sigv4: region is required")
	}
	return &Signer{config: config}, nil
}

// SignHTTP signs the request in place by computing the canonical request and
// attaching an Authorization header. payloadHash is the hex SHA-256 of the
// body, UnsignedPayload, or one of the streaming tokens. The returned
// signature seeds the chunk-signature chain for streaming uploads.
//
// Headers and query parameters consumed by the signature must not change
// between signing and transmission.
func (s *Signer) SignHTTP(req *http.Request, payloadHash string, signingTime time.Time) (string, error) {
	if payloadHash == "" {
		return "", fmt.Errorf("sigv4: payload hash is required")
	}

	t := signingTime.UTC()
	amzDate := t.Format(timeFormatISO8601)
	dateStamp := t.Format(timeFormatDate)
	scope := s.credentialScope(dateStamp)

	req.Header.Set(amzDateHeader, amzDate)
	if req.Header.Get(amzContentSHA256Header) == "" {
		req.Header.Set(amzContentSHA256Header, payloadHash)
	}
	if s.config.Credentials.SessionToken != "" {
		req.Header.Set(amzSecurityTokenHeader, s.config.Credentials.SessionToken)
	}

	signedHeaders, canonicalHeaders, err := canonicalizeHeaders(req.Header, hostOf(req))
	if err != nil {
		return "", err
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		s.canonicalURI(req.URL),
		canonicalQueryString(req.URL.Query()),
		canonicalHeaders + "\n",
		signedHeaders,
		payloadHash,
	}, "\n")

	stringToSign := strings.Join([]string{
		SigningAlgorithm,
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	key := deriveSigningKey(s.config.Credentials.SecretAccessKey, dateStamp, s.config.Region)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	req.Header.Set(authorizationHeader, strings.Join([]string{
		SigningAlgorithm + " Credential=" + s.config.Credentials.AccessKeyID + "/" + scope,
		"SignedHeaders=" + signedHeaders,
		"Signature=" + signature,
	}, ", "))

	return signature, nil
}

// Presign signs the request via query-string parameters and returns the full
// presigned URL along with the headers the eventual caller must send. The
// payload hash is fixed to UnsignedPayload since no body exists at sign time.
func (s *Signer) Presign(req *http.Request, expires time.Duration, signingTime time.Time) (string, http.Header, error) {
	seconds := int64(expires / time.Second)
	if seconds < 1 || seconds > MaxPresignExpiry {
		return "", nil, fmt.Errorf("sigv4: presign expiry must be between 1s and %ds, got %ds", MaxPresignExpiry, seconds)
	}

	t := signingTime.UTC()
	amzDate := t.Format(timeFormatISO8601)
	dateStamp := t.Format(timeFormatDate)
	scope := s.credentialScope(dateStamp)

	signedHeaders, canonicalHeaders, err := canonicalizeHeaders(req.Header, hostOf(req))
	if err != nil {
		return "", nil, err
	}

	query := req.URL.Query()
	query.Set(amzAlgorithmKey, SigningAlgorithm)
	query.Set(amzCredentialKey, s.config.Credentials.AccessKeyID+"/"+scope)
	query.Set(amzDateKey, amzDate)
	query.Set(amzExpiresKey, strconv.FormatInt(seconds, 10))
	query.Set(amzSignedHeadersKey, signedHeaders)
	if s.config.Credentials.SessionToken != "" {
		query.Set(amzSecurityTokenKey, s.config.Credentials.SessionToken)
	}

	canonicalQuery := canonicalQueryString(query)

	canonicalRequest := strings.Join([]string{
		req.Method,
		s.canonicalURI(req.URL),
		canonicalQuery,
		canonicalHeaders + "\n",
		signedHeaders,
		UnsignedPayload,
	}, "\n")

	stringToSign := strings.Join([]string{
		SigningAlgorithm,
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	key := deriveSigningKey(s.config.Credentials.SecretAccessKey, dateStamp, s.config.Region)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	signed := *req.URL
	signed.RawQuery = canonicalQuery + "&" + amzSignatureKey + "=" + signature

	sentHeaders := make(http.Header)
	for _, name := range strings.Split(signedHeaders, ";") {
		if name == "host" {
			continue
		}
		sentHeaders[http.CanonicalHeaderKey(name)] = req.Header.Values(http.CanonicalHeaderKey(name))
	}

	return signed.String(), sentHeaders, nil
}

func (s *Signer) credentialScope(dateStamp string) string {
	return strings.Join([]string{dateStamp, s.config.Region, serviceName, requestTerminator}, "/")
}

func (s *Signer) canonicalURI(u *url.URL) string {
	uri := u.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if !s.config.DisableURIPathEscaping {
		uri = httpbinding.EscapePath(uri, false)
	}
	return uri
}

func hostOf(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}

// canonicalizeHeaders lower-cases, sorts and deduplicates the signed header
// set, collapsing insignificant whitespace in values. Header values must be
// representable in ASCII; anything else fails signing rather than producing
// a signature the server cannot reproduce.
func canonicalizeHeaders(header http.Header, host string) (signedHeaders, canonicalHeaders string, err error) {
	names := []string{"host"}
	values := map[string][]string{"host": {host}}

	for name, vals := range header {
		if _, ok := ignoredHeaders[http.CanonicalHeaderKey(name)]; ok {
			continue
		}
		lower := strings.ToLower(name)
		if _, seen := values[lower]; seen {
			values[lower] = append(values[lower], vals...)
			continue
		}
		names = append(names, lower)
		values[lower] = append([]string(nil), vals...)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		collapsed := make([]string, len(values[name]))
		for j, v := range values[name] {
			if !isASCII(v) {
				return "", "", fmt.Errorf("sigv4: header %q has a value that is not representable in ASCII", name)
			}
			collapsed[j] = collapseSpaces(v)
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(collapsed, ","))
	}

	return strings.Join(names, ";"), b.String(), nil
}

// canonicalQueryString sorts parameters by key then value and encodes them
// with the signing spec's reserved-character rules (space as %20, never +).
func canonicalQueryString(query url.Values) string {
	for key := range query {
		sort.Strings(query[key])
	}
	return strings.ReplaceAll(query.Encode(), "+", "%20")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7e || (s[i] < 0x20 && s[i] != '\t') {
			return false
		}
	}
	return true
}

// collapseSpaces trims a header value and folds runs of spaces and tabs into
// a single space.
func collapseSpaces(s string) string {
	var b strings.Builder
	inSpace := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteByte(c)
	}
	return b.String()
}
