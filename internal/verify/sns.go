// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package verify

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// snsCertHost is the only host signing certificates may be fetched from.
var snsCertHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// snsMessage holds the envelope fields that take part in the signature.
type snsMessage struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL"`
}

// SNS verifies Amazon SNS message signatures.
type SNS struct {
	certs  *CertCache
	topics map[string]bool
}

// NewSNS creates an SNS verifier. When allowedTopics is non-empty only
// those topic ARNs are accepted.
func NewSNS(certs *CertCache, allowedTopics []string) *SNS {
	v := &SNS{certs: certs}
	if len(allowedTopics) > 0 {
		v.topics = make(map[string]bool, len(allowedTopics))
		for _, t := range allowedTopics {
			v.topics[t] = true
		}
	}
	return v
}

func (v *SNS) Verify(ctx context.Context, payload []byte, _ http.Header) error {
	var msg snsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return reject(SchemeSNS, "envelope is not JSON", err)
	}
	if msg.Signature == "" || msg.SigningCertURL == "" {
		return reject(SchemeSNS, "missing signature", nil)
	}
	if v.topics != nil && !v.topics[msg.TopicArn] {
		return reject(SchemeSNS, "topic not allowed", nil)
	}
	if err := ValidateSNSURL(msg.SigningCertURL); err != nil {
		return reject(SchemeSNS, "untrusted certificate URL", err)
	}

	var h hash.Hash
	var alg crypto.Hash
	switch msg.SignatureVersion {
	case "1", "":
		h, alg = sha1.New(), crypto.SHA1
	case "2":
		h, alg = sha256.New(), crypto.SHA256
	default:
		return reject(SchemeSNS, "unsupported signature version "+msg.SignatureVersion, nil)
	}

	toSign, err := snsStringToSign(&msg)
	if err != nil {
		return reject(SchemeSNS, "cannot build string to sign", err)
	}
	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return reject(SchemeSNS, "malformed signature", err)
	}

	cert, err := v.certs.Get(ctx, msg.SigningCertURL)
	if err != nil {
		return reject(SchemeSNS, "certificate unavailable", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return reject(SchemeSNS, "certificate key is not RSA", nil)
	}

	h.Write([]byte(toSign))
	if err := rsa.VerifyPKCS1v15(pub, alg, h.Sum(nil), sig); err != nil {
		return reject(SchemeSNS, "signature mismatch", err)
	}
	return nil
}

// ValidateSNSURL accepts only https URLs on an SNS regional host. It guards
// both certificate downloads and subscription confirmations.
func ValidateSNSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not https", u.Scheme)
	}
	if !snsCertHost.MatchString(strings.ToLower(u.Hostname())) {
		return fmt.Errorf("host %q is not an SNS endpoint", u.Hostname())
	}
	if u.Port() != "" {
		return fmt.Errorf("unexpected port %q", u.Port())
	}
	return nil
}

// snsStringToSign builds the canonical "key\nvalue\n" sequence for the
// message type.
func snsStringToSign(m *snsMessage) (string, error) {
	type field struct{ key, value string }
	var fields []field

	switch m.Type {
	case "Notification":
		fields = []field{{"Message", m.Message}, {"MessageId", m.MessageID}}
		if m.Subject != "" {
			fields = append(fields, field{"Subject", m.Subject})
		}
		fields = append(fields,
			field{"Timestamp", m.Timestamp},
			field{"TopicArn", m.TopicArn},
			field{"Type", m.Type},
		)
	case "SubscriptionConfirmation", "UnsubscribeConfirmation":
		fields = []field{
			{"Message", m.Message},
			{"MessageId", m.MessageID},
			{"SubscribeURL", m.SubscribeURL},
			{"Timestamp", m.Timestamp},
			{"Token", m.Token},
			{"TopicArn", m.TopicArn},
			{"Type", m.Type},
		}
	default:
		return "", fmt.Errorf("unknown message type %q", m.Type)
	}

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f.key)
		b.WriteByte('\n')
		b.WriteString(f.value)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
