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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	sendgridSignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	sendgridTimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"

	// SendGridWindow is the maximum accepted timestamp skew.
	SendGridWindow = 300 * time.Second
)

// SendGrid verifies SendGrid's signed webhooks: an ECDSA P-256/SHA-256
// signature over timestamp || body.
type SendGrid struct {
	key *ecdsa.PublicKey
	Now func() time.Time
}

// NewSendGrid parses the verification key shown in the SendGrid console.
// Both bare base64 DER and PEM are accepted.
func NewSendGrid(publicKey string) (*SendGrid, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return nil, &ConfigurationError{Scheme: SchemeSendGrid, Reason: "verification key is empty"}
	}

	var der []byte
	if block, _ := pem.Decode([]byte(publicKey)); block != nil {
		der = block.Bytes
	} else {
		var err error
		if der, err = base64.StdEncoding.DecodeString(publicKey); err != nil {
			return nil, &ConfigurationError{Scheme: SchemeSendGrid, Reason: "verification key is not valid base64"}
		}
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, &ConfigurationError{Scheme: SchemeSendGrid, Reason: "verification key is not a PKIX public key"}
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok || key.Curve != elliptic.P256() {
		return nil, &ConfigurationError{Scheme: SchemeSendGrid, Reason: "verification key is not an ECDSA P-256 key"}
	}
	return &SendGrid{key: key}, nil
}

func (v *SendGrid) Verify(_ context.Context, payload []byte, header http.Header) error {
	sigHeader := header.Get(sendgridSignatureHeader)
	ts := header.Get(sendgridTimestampHeader)
	if sigHeader == "" || ts == "" {
		return reject(SchemeSendGrid, "missing signature headers", nil)
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return reject(SchemeSendGrid, "invalid timestamp", err)
	}
	if absDuration(nowFunc(v.Now).Sub(time.Unix(sec, 0))) > SendGridWindow {
		return reject(SchemeSendGrid, "timestamp outside window", nil)
	}

	sig, err := base64.StdEncoding.DecodeString(sigHeader)
	if err != nil {
		return reject(SchemeSendGrid, "malformed signature", err)
	}

	h := sha256.New()
	h.Write([]byte(ts))
	h.Write(payload)
	digest := h.Sum(nil)

	var ok bool
	if len(sig) == 64 {
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		ok = ecdsa.Verify(v.key, digest, r, s)
	} else {
		ok = ecdsa.VerifyASN1(v.key, digest, sig)
	}
	if !ok {
		return reject(SchemeSendGrid, "signature mismatch", nil)
	}
	return nil
}
