// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0

// Package receiver implements the client delivering revealed results to the
// output receiver service.
package receiver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"

	"github.com/asaskevich/govalidator"
)

// Delivery is the payload posted to the output receiver.
type Delivery struct {
	RoundID     string    `json:"roundId"`
	Aggregation string    `json:"aggregation"`
	Values      []float64 `json:"values"`
}

// AbstractClient is an interface for the output receiver client.
type AbstractClient interface {
	DeliverResult(*Delivery) error
}

// NewClient returns a new output receiver client.
func NewClient(u url.URL) (*Client, error) {
	ok := govalidator.IsURL(u.String())
	if !ok {
		return &Client{}, errors.New("invalid Url")
	}
	httpClient := http.Client{}
	return &Client{HTTPClient: httpClient, URL: u}, nil
}

// Client is a client for the output receiver service.
type Client struct {
	URL        url.URL
	HTTPClient http.Client
}

const resultsURI = "/results"

// DeliverResult posts a revealed aggregation result to the receiver.
func (c *Client) DeliverResult(d *Delivery) error {
	jsonMarshalled, err := json.Marshal(d)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.URL.String()+resultsURI, bytes.NewBuffer(jsonMarshalled))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	_, err = c.doRequest(req, http.StatusCreated)
	return err
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
		return nil, fmt.Errorf("receiver replied with an unexpected response code #%d: %s", resp.StatusCode, string(bodyBytes))
	}
	return resp.Body, nil
}
