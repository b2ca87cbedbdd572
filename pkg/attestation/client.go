// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0

// Package attestation implements the client fetching and verifying enclave
// attestation reports.
package attestation

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"

	"github.com/asaskevich/govalidator"
)

// Report is an attestation report issued for one enclave.
type Report struct {
	Enclave     string `json:"enclave"`
	Measurement string `json:"measurement"`
	PublicKey   []byte `json:"publicKey"`
	Signature   []byte `json:"signature"`
}

// Signed returns the byte string the report's signature covers.
func (r *Report) Signed() []byte {
	return []byte(r.Enclave + "|" + r.Measurement)
}

// AbstractClient is an interface for the attestation service client.
type AbstractClient interface {
	GetReport(string) (*Report, error)
}

// NewClient returns a new attestation service client.
func NewClient(u url.URL) (*Client, error) {
	ok := govalidator.IsURL(u.String())
	if !ok {
		return &Client{}, errors.New("invalid Url")
	}
	httpClient := http.Client{}
	return &Client{HTTPClient: httpClient, URL: u}, nil
}

// Client is a client for the attestation service.
type Client struct {
	URL        url.URL
	HTTPClient http.Client
}

const reportsURI = "/reports"

// GetReport fetches the attestation report of the given enclave.
func (c *Client) GetReport(enclave string) (*Report, error) {
	var report Report
	req, err := http.NewRequest(http.MethodGet, c.URL.String()+fmt.Sprintf("%s/%s", reportsURI, enclave), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.doRequest(req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	err = json.NewDecoder(body).Decode(&report)
	if err != nil {
		return nil, fmt.Errorf("attestation service returned an invalid response body: %s", err)
	}
	return &report, nil
}

// doRequest sends an HTTP request and compares the returned response code
// with the expected one.
func (c *Client) doRequest(req *http.Request, expected int) (io.ReadCloser, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http client failed sending request: %s", err)
	}
	if resp.StatusCode != expected {
		bodyBytes, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("attestation service replied with an unexpected response code #%d: %s", resp.StatusCode, string(bodyBytes))
	}
	return resp.Body, nil
}

// NewVerifier returns a verifier accepting only reports carrying the expected
// measurement and a valid signature.
func NewVerifier(client AbstractClient, measurement string) *Verifier {
	return &Verifier{client: client, measurement: measurement}
}

// Verifier checks attestation reports against an expected enclave
// measurement.
type Verifier struct {
	client      AbstractClient
	measurement string
}

// Verify fetches the enclave's report, checks the signature and compares the
// measurement against the expected one. It returns the attested measurement.
func (v *Verifier) Verify(ctx context.Context, enclave string) (string, error) {
	report, err := v.client.GetReport(enclave)
	if err != nil {
		return "", err
	}
	if len(report.PublicKey) != ed25519.PublicKeySize {
		return "", errors.New("report carries a malformed public key")
	}
	if !ed25519.Verify(ed25519.PublicKey(report.PublicKey), report.Signed(), report.Signature) {
		return "", errors.New("report signature verification failed")
	}
	if v.measurement != "" && report.Measurement != v.measurement {
		return "", fmt.Errorf("enclave measurement %s does not match the expected %s", report.Measurement, v.measurement)
	}
	return report.Measurement, nil
}
