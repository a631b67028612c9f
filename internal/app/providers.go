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

package app

import (
	"net/http"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/config"
	"github.com/DataCovey/nornweave-sub000/internal/inbound"
	"github.com/DataCovey/nornweave-sub000/internal/verify"
	"github.com/DataCovey/nornweave-sub000/internal/webhook"
)

// WebhookProviders builds a parser and verifier for every enabled provider.
// Optional verification without a secret is disabled with a warning.
func (a *App) WebhookProviders() ([]webhook.Provider, error) {
	p := a.Config.Providers
	var out []webhook.Provider

	if p.Mailgun.Enabled {
		v, err := secretVerifier(p.Mailgun, "providers.mailgun", verify.SchemeMailgun, func(s string) (verify.Verifier, error) {
			v, err := verify.NewMailgun(s)
			if err != nil {
				return nil, err
			}
			if p.Mailgun.Tolerance > 0 {
				v.Tolerance = p.Mailgun.Tolerance
			}
			if a.Dedup != nil {
				v.Tokens = a.Dedup
			}
			return v, nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, webhook.Provider{Parser: inbound.NewMailgun(), Verifier: v})
	}
	if p.Resend.Enabled {
		v, err := secretVerifier(p.Resend, "providers.resend", verify.SchemeSvix, func(s string) (verify.Verifier, error) {
			v, err := verify.NewSvix(s)
			if err != nil {
				return nil, err
			}
			if p.Resend.Tolerance > 0 {
				v.Tolerance = p.Resend.Tolerance
			}
			return v, nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, webhook.Provider{Parser: inbound.NewResend(), Verifier: v})
	}
	if p.SendGrid.Enabled {
		v, err := secretVerifier(p.SendGrid, "providers.sendgrid", verify.SchemeSendGrid, func(s string) (verify.Verifier, error) {
			v, err := verify.NewSendGrid(s)
			if err != nil {
				return nil, err
			}
			return v, nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, webhook.Provider{Parser: inbound.NewSendGrid(), Verifier: v})
	}
	if p.SES.Enabled {
		var v verify.Verifier = verify.Disabled(verify.SchemeSNS)
		if p.SES.Required() {
			certs := verify.NewCertCache(&http.Client{Timeout: 10 * time.Second}, p.SES.CertCacheSize)
			v = verify.NewSNS(certs, p.SES.AllowedTopicARNs)
		}
		out = append(out, webhook.Provider{Parser: inbound.NewSES(), Verifier: v})
	}
	return out, nil
}

func secretVerifier(p config.ProviderConfig, field string, scheme verify.Scheme, build func(string) (verify.Verifier, error)) (verify.Verifier, error) {
	if p.Secret == "" {
		if p.Required() {
			return nil, &config.ConfigurationError{Field: field, Reason: "verification is required but no secret or key is configured"}
		}
		return verify.Disabled(scheme), nil
	}
	v, err := build(p.Secret)
	if err != nil {
		return nil, &config.ConfigurationError{Field: field, Reason: err.Error()}
	}
	return v, nil
}
