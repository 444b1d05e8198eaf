package sigv4

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PostPolicy describes the conditions under which a browser-based POST upload
// is accepted. Conditions are accumulated, rendered as the JSON policy
// document, and signed; the matching form fields are collected alongside so
// callers can hand out a complete upload form.
type PostPolicy struct {
	expiration time.Time
	conditions []interface{}
	formData   map[string]string
}

// NewPostPolicy returns an empty policy expiring at the given time.
func NewPostPolicy(expiration time.Time) *PostPolicy {
	return &PostPolicy{
		expiration: expiration,
		formData:   make(map[string]string),
	}
}

// SetBucket restricts the upload to a bucket.
func (p *PostPolicy) SetBucket(bucket string) error {
	if bucket == "" {
		return fmt.Errorf("sigv4: post policy bucket must not be empty")
	}
	p.addEquals("bucket", bucket)
	return nil
}

// SetKey restricts the upload to an exact object key.
func (p *PostPolicy) SetKey(key string) error {
	if key == "" {
		return fmt.Errorf("sigv4: post policy key must not be empty")
	}
	p.addEquals("key", key)
	return nil
}

// SetKeyStartsWith restricts the upload to keys under a prefix. An empty
// prefix admits any key.
func (p *PostPolicy) SetKeyStartsWith(prefix string) {
	p.conditions = append(p.conditions, []string{"starts-with", "$key", prefix})
	p.formData["key"] = prefix + "${filename}"
}

// SetContentType pins the Content-Type form field.
func (p *PostPolicy) SetContentType(contentType string) {
	p.addEquals("Content-Type", contentType)
}

// SetContentLengthRange bounds the accepted upload size in bytes.
func (p *PostPolicy) SetContentLengthRange(min, max int64) error {
	if min < 0 || max < min {
		return fmt.Errorf("sigv4: invalid content-length-range [%d, %d]", min, max)
	}
	p.conditions = append(p.conditions, []interface{}{"content-length-range", min, max})
	return nil
}

// SetCondition adds an arbitrary exact-match condition, for headers like
// x-amz-storage-class or success_action_redirect.
func (p *PostPolicy) SetCondition(name, value string) {
	p.addEquals(name, value)
}

func (p *PostPolicy) addEquals(name, value string) {
	p.conditions = append(p.conditions, map[string]string{name: value})
	p.formData[name] = value
}

func (p *PostPolicy) document() ([]byte, error) {
	if p.expiration.IsZero() {
		return nil, fmt.Errorf("sigv4: post policy expiration is required")
	}
	return json.Marshal(struct {
		Expiration string        `json:"expiration"`
		Conditions []interface{} `json:"conditions"`
	}{
		Expiration: p.expiration.UTC().Format("2006-01-02T15:04:05.000Z"),
		Conditions: p.conditions,
	})
}

// SignPostPolicy stamps the policy with the signing credential and date,
// signs the base64 policy document, and returns the complete set of form
// fields for the POST upload.
func (s *Signer) SignPostPolicy(policy *PostPolicy, signingTime time.Time) (map[string]string, error) {
	t := signingTime.UTC()
	amzDate := t.Format(timeFormatISO8601)
	dateStamp := t.Format(timeFormatDate)
	scope := s.credentialScope(dateStamp)
	credential := s.config.Credentials.AccessKeyID + "/" + scope

	// The signed fields are themselves conditions; the server re-checks them
	// against the decoded policy.
	policy.addEquals(strings.ToLower(amzAlgorithmKey), SigningAlgorithm)
	policy.addEquals(strings.ToLower(amzCredentialKey), credential)
	policy.addEquals(strings.ToLower(amzDateKey), amzDate)
	if s.config.Credentials.SessionToken != "" {
		policy.addEquals(strings.ToLower(amzSecurityTokenKey), s.config.Credentials.SessionToken)
	}

	doc, err := policy.document()
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(doc)

	key := deriveSigningKey(s.config.Credentials.SecretAccessKey, dateStamp, s.config.Region)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(encoded)))

	fields := make(map[string]string, len(policy.formData)+2)
	for k, v := range policy.formData {
		fields[k] = v
	}
	fields["policy"] = encoded
	fields[strings.ToLower(amzSignatureKey)] = signature
	return fields, nil
}

// PostPolicyExpiry formats a relative expiry for callers that think in
// durations rather than deadlines.
func PostPolicyExpiry(now time.Time, d time.Duration) (time.Time, error) {
	if d < time.Second {
		return time.Time{}, fmt.Errorf("sigv4: post policy expiry must be at least 1s, got %s", d)
	}
	if int64(d/time.Second) > MaxPresignExpiry {
		return time.Time{}, fmt.Errorf("sigv4: post policy expiry must not exceed %s", strconv.Itoa(MaxPresignExpiry)+"s")
	}
	return now.Add(d), nil
}
