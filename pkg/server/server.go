// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the HTTP submission interface triggering
// aggregation rounds.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/tf-encrypted/aggregator/pkg/codec"
	"github.com/tf-encrypted/aggregator/pkg/receiver"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

var ctxSubmission = contextKey("submission")

// AggregationRunner runs one full aggregation round. Implemented by the
// engine's orchestrator.
type AggregationRunner interface {
	RunAggregation(ctx context.Context, kind AggregationKind, contributions []codec.Tensor) (codec.Tensor, error)
}

// Submission is the JSON payload of a round trigger.
type Submission struct {
	RoundID       string      `json:"roundID"`
	Aggregation   string      `json:"aggregation"`
	Contributions [][]float64 `json:"contributions"`
}

// Result is the JSON response of a finished round.
type Result struct {
	RoundID string    `json:"roundID"`
	Values  []float64 `json:"values"`
}

// NewServer returns a server triggering rounds on the given runner. A nil
// deliver client disables result delivery to the output receiver.
func NewServer(runner AggregationRunner, deliver receiver.AbstractClient, logger *zap.SugaredLogger, computationTimeout time.Duration) *Server {
	return &Server{
		runner:             runner,
		deliver:            deliver,
		logger:             logger,
		computationTimeout: computationTimeout,
	}
}

// Server handles incoming requests that trigger aggregation rounds.
type Server struct {
	runner             AggregationRunner
	deliver            receiver.AbstractClient
	logger             *zap.SugaredLogger
	computationTimeout time.Duration
}

// Handler assembles the full filter chain of the submission endpoint.
func (s *Server) Handler() http.Handler {
	return s.MethodFilter(s.BodyFilter(http.HandlerFunc(s.SubmitHandler)))
}

// MethodFilter assures that only JSON POST requests get through.
func (s *Server) MethodFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case "POST":
			if s.hasContentType(req, "application/json") {
				next.ServeHTTP(writer, req)
			} else {
				msg := "application/json content type must be provided"
				writer.WriteHeader(http.StatusUnsupportedMediaType)
				writer.Write([]byte(msg))
				s.logger.Error(msg)
			}
		default:
			msg := "POST requests must be used to trigger an aggregation"
			writer.WriteHeader(http.StatusMethodNotAllowed)
			writer.Write([]byte(msg))
			s.logger.Error(msg)
		}
	})
}

// BodyFilter verifies all necessary parameters are set in the request body
// and attaches the parsed submission to the request context.
func (s *Server) BodyFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
		if req.Body == nil {
			s.reject(writer, "request body is nil")
			return
		}
		bodyBytes, _ := ioutil.ReadAll(req.Body)
		req.Body.Close()
		req.Body = ioutil.NopCloser(bytes.NewBuffer(bodyBytes))
		var sub Submission
		if err := json.Unmarshal(bodyBytes, &sub); err != nil {
			s.reject(writer, "error decoding the request body")
			return
		}
		if !isValidUUID(sub.RoundID) {
			s.reject(writer, fmt.Sprintf("RoundID %s is not a valid UUID", sub.RoundID))
			return
		}
		if _, err := aggregationKind(sub.Aggregation); err != nil {
			s.reject(writer, err.Error())
			return
		}
		if len(sub.Contributions) == 0 {
			s.reject(writer, "at least one contribution must be supplied")
			return
		}
		for _, c := range sub.Contributions {
			if len(c) != len(sub.Contributions[0]) {
				s.reject(writer, "contributions must share one length")
				return
			}
		}
		r := req.Clone(context.WithValue(req.Context(), ctxSubmission, &sub))
		s.logger.Debug("Bodyfilter handler done")
		next.ServeHTTP(writer, r)
	})
}

// SubmitHandler runs the full round and writes the revealed result.
func (s *Server) SubmitHandler(writer http.ResponseWriter, req *http.Request) {
	sub, ok := req.Context().Value(ctxSubmission).(*Submission)
	if !ok {
		writer.WriteHeader(http.StatusBadRequest)
		s.logger.Error("No submission provided")
		return
	}
	kind, _ := aggregationKind(sub.Aggregation)
	contributions := make([]codec.Tensor, len(sub.Contributions))
	for i, c := range sub.Contributions {
		contributions[i] = codec.NewVector(c)
	}

	ctx, cancel := context.WithTimeout(req.Context(), s.computationTimeout)
	defer cancel()
	result, err := s.runner.RunAggregation(ctx, kind, contributions)
	if err != nil {
		msg := fmt.Sprintf("error during aggregation round: %s", err)
		writer.WriteHeader(http.StatusInternalServerError)
		writer.Write([]byte(msg))
		s.logger.Errorw(msg, RoundID, sub.RoundID)
		return
	}

	if s.deliver != nil {
		delivery := &receiver.Delivery{RoundID: sub.RoundID, Aggregation: sub.Aggregation, Values: result.Floats}
		if err := s.deliver.DeliverResult(delivery); err != nil {
			s.logger.Errorw(fmt.Sprintf("error delivering the result to the receiver: %s", err), RoundID, sub.RoundID)
		}
	}

	writer.WriteHeader(http.StatusOK)
	json.NewEncoder(writer).Encode(&Result{RoundID: sub.RoundID, Values: result.Floats})
	s.logger.Infow("Round submitted over HTTP finished", RoundID, sub.RoundID)
}

func (s *Server) reject(writer http.ResponseWriter, msg string) {
	writer.WriteHeader(http.StatusBadRequest)
	writer.Write([]byte(msg))
	s.logger.Error(msg)
}

// Determine whether the request `content-type` includes a
// server-acceptable mime-type.
func (s *Server) hasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}
	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}
	return false
}

func aggregationKind(name string) (AggregationKind, error) {
	switch name {
	case "sum":
		return AggregationSum, nil
	case "mean":
		return AggregationMean, nil
	default:
		return "", fmt.Errorf("aggregation must be sum or mean, got %q", name)
	}
}

// isValidUUID returns true if the uuid is valid, false otherwise.
func isValidUUID(u string) bool {
	_, err := uuid.Parse(u)
	return err == nil
}
