// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package attestation_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/url"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	. "github.com/tf-encrypted/aggregator/pkg/attestation"
)

// fakeReportClient serves a fixed report without going over the network.
type fakeReportClient struct {
	report *Report
	err    error
}

func (f *fakeReportClient) GetReport(enclave string) (*Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

var _ = Describe("Attestation", func() {

	var (
		pub    ed25519.PublicKey
		priv   ed25519.PrivateKey
		report *Report
		js     []byte
	)

	BeforeEach(func() {
		var err error
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		Expect(err).NotTo(HaveOccurred())
		report = &Report{
			Enclave:     "aggregator",
			Measurement: "a1b2c3",
			PublicKey:   pub,
		}
		report.Signature = ed25519.Sign(priv, report.Signed())
		js, _ = json.Marshal(report)
	})

	Context("when creating a new client", func() {
		It("returns a client for a valid url", func() {
			client, err := NewClient(url.URL{Host: "attestation.example.com", Scheme: "https"})
			Expect(err).NotTo(HaveOccurred())
			Expect(client.URL.Host).To(Equal("attestation.example.com"))
		})
		It("returns an error for an invalid url", func() {
			_, err := NewClient(url.URL{Host: "invalid url"})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when fetching a report", func() {
		It("returns the report when it exists", func() {
			rt := MockedRoundTripper{ExpectedPath: "/reports/aggregator", ReturnJson: js, ExpectedResponseCode: http.StatusOK}
			HTTPClient := http.Client{Transport: &rt}
			client := Client{HTTPClient: HTTPClient, URL: url.URL{Host: "test", Scheme: "http"}}

			fetched, err := client.GetReport("aggregator")
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched.Measurement).To(Equal("a1b2c3"))
		})
		It("returns an error when the report does not exist", func() {
			rt := MockedRoundTripper{ExpectedPath: "/reports/other", ReturnJson: js, ExpectedResponseCode: http.StatusOK}
			HTTPClient := http.Client{Transport: &rt}
			client := Client{HTTPClient: HTTPClient, URL: url.URL{Host: "test", Scheme: "http"}}

			_, err := client.GetReport("aggregator")
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when verifying a report", func() {
		It("accepts a correctly signed report with the expected measurement", func() {
			verifier := NewVerifier(&fakeReportClient{report: report}, "a1b2c3")
			measurement, err := verifier.Verify(context.TODO(), "aggregator")
			Expect(err).NotTo(HaveOccurred())
			Expect(measurement).To(Equal("a1b2c3"))
		})
		It("accepts any measurement when none is pinned", func() {
			verifier := NewVerifier(&fakeReportClient{report: report}, "")
			measurement, err := verifier.Verify(context.TODO(), "aggregator")
			Expect(err).NotTo(HaveOccurred())
			Expect(measurement).To(Equal("a1b2c3"))
		})
		It("rejects a report with an unexpected measurement", func() {
			verifier := NewVerifier(&fakeReportClient{report: report}, "deadbeef")
			_, err := verifier.Verify(context.TODO(), "aggregator")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("does not match"))
		})
		It("rejects a report with a broken signature", func() {
			report.Measurement = "tampered"
			verifier := NewVerifier(&fakeReportClient{report: report}, "tampered")
			_, err := verifier.Verify(context.TODO(), "aggregator")
			Expect(err).To(MatchError("report signature verification failed"))
		})
		It("rejects a report with a malformed public key", func() {
			report.PublicKey = []byte{1, 2, 3}
			verifier := NewVerifier(&fakeReportClient{report: report}, "a1b2c3")
			_, err := verifier.Verify(context.TODO(), "aggregator")
			Expect(err).To(MatchError("report carries a malformed public key"))
		})
	})
})
