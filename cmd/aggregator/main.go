// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tf-encrypted/aggregator/pkg/attestation"
	"github.com/tf-encrypted/aggregator/pkg/channel"
	"github.com/tf-encrypted/aggregator/pkg/engine"
	l "github.com/tf-encrypted/aggregator/pkg/logger"
	"github.com/tf-encrypted/aggregator/pkg/protocol"
	"github.com/tf-encrypted/aggregator/pkg/receiver"
	"github.com/tf-encrypted/aggregator/pkg/server"
	. "github.com/tf-encrypted/aggregator/pkg/types"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

const (
	// DefaultPort is the port the submission endpoint listens on.
	DefaultPort = "8080"
	// DefaultBusSize is the size of the in-memory message bus used for round
	// events and bulletin-board mailboxes.
	DefaultBusSize = 10000
	// DefaultStateTimeout bounds the time a round may spend in one state.
	DefaultStateTimeout = "60s"
	// DefaultComputationTimeout bounds the duration of a full round.
	DefaultComputationTimeout = "120s"
	// DefaultRoutingTimeout bounds the wait for a single routed value.
	DefaultRoutingTimeout = "20s"
	defaultConfigLocation = "/etc/config/config.json"
)

func main() {
	var configLocation string
	pflag.StringVar(&configLocation, "config", defaultConfigLocation, "location of the service configuration file")
	pflag.Parse()

	config, err := ParseConfig(configLocation)
	if err != nil {
		panic(err)
	}
	logger, err := l.NewDevelopmentLogger()
	if err != nil {
		panic(err)
	}
	logger.Infof("Starting with the config %v", config)

	registry, err := NewProtocolRegistry(config, logger)
	if err != nil {
		panic(err)
	}
	orchestrator, err := NewRoundOrchestrator(config, registry, mb.New(config.BusSize), logger)
	if err != nil {
		panic(err)
	}

	srv := server.NewServer(orchestrator, config.ReceiverClient, logger, config.ComputationTimeout)
	logger.Infow(fmt.Sprintf("Listening on port %s", config.Port), ProtocolKey, config.Protocol)
	if err := http.ListenAndServe(":"+config.Port, srv.Handler()); err != nil {
		panic(err)
	}
}

// NewProtocolRegistry registers all protocols the service can run rounds
// with. The enclave protocol is only available when an attestation service is
// configured.
func NewProtocolRegistry(conf *AggregatorTypedConfig, logger *zap.SugaredLogger) (*protocol.Registry, error) {
	registry := protocol.NewRegistry()
	for _, p := range []protocol.Protocol{
		protocol.NewTrustedProtocol(logger),
		protocol.NewPaillierProtocol(logger),
		protocol.NewPRGProtocol(logger),
	} {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	if conf.AttestationClient != nil {
		verifier := &enclaveVerifier{attestation.NewVerifier(conf.AttestationClient, conf.Measurement)}
		if err := registry.Register(protocol.NewEnclaveProtocol(verifier, logger)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// NewRoundOrchestrator assembles the orchestrator for the configured player
// population. Players configured with an address are reachability-probed
// before a round opens direct channels to them.
func NewRoundOrchestrator(conf *AggregatorTypedConfig, registry *protocol.Registry, bus mb.MessageBus, logger *zap.SugaredLogger) (*engine.Orchestrator, error) {
	roles, err := SplitRoles(conf.Players)
	if err != nil {
		return nil, err
	}
	return engine.NewOrchestrator(&engine.OrchestratorConf{
		Registry:       registry,
		Protocol:       conf.Protocol,
		Clients:        roles.Clients,
		Aggregator:     roles.Aggregator,
		KeyHolder:      roles.KeyHolder,
		Receiver:       roles.Receiver,
		Strategy:       channel.StrategyBulletinBoard,
		RoutingTimeout: conf.RoutingTimeout,
		StateTimeout:   conf.StateTimeout,
		KeyBits:        conf.KeyBits,
		Addresses:      PlayerAddresses(conf.Players),
		Checker:        NewChannelChecker(conf, logger),
		Bus:            bus,
		Logger:         logger,
	})
}

// PlayerAddresses collects the host:port endpoints of all players configured
// with an address.
func PlayerAddresses(players []Player) map[PlayerName]string {
	addresses := map[PlayerName]string{}
	for _, p := range players {
		if p.Address != "" {
			addresses[p.Name] = p.Address
		}
	}
	return addresses
}

// NewChannelChecker returns the TCP reachability probe when any player has an
// address configured, and the noop checker otherwise.
func NewChannelChecker(conf *AggregatorTypedConfig, logger *zap.SugaredLogger) channel.Checker {
	if len(PlayerAddresses(conf.Players)) == 0 {
		return &channel.NoopChecker{}
	}
	return channel.NewTCPChecker(&channel.TCPCheckerConf{
		DialTimeout:  time.Second,
		RetryTimeout: conf.RoutingTimeout,
		Logger:       logger,
	})
}

// enclaveVerifier adapts the attestation verifier to the player identities
// the enclave protocol works with.
type enclaveVerifier struct {
	verifier *attestation.Verifier
}

func (v *enclaveVerifier) Verify(ctx context.Context, enclave PlayerName) (string, error) {
	return v.verifier.Verify(ctx, string(enclave))
}

// Roles is the player population of the service grouped by role.
type Roles struct {
	Clients    []PlayerName
	Aggregator PlayerName
	KeyHolder  PlayerName
	Receiver   PlayerName
}

// SplitRoles groups the configured players by their role. Exactly one
// aggregator and one receiver must be configured, the key holder is optional.
func SplitRoles(players []Player) (*Roles, error) {
	roles := &Roles{}
	for _, p := range players {
		switch p.Role {
		case RoleClient:
			roles.Clients = append(roles.Clients, p.Name)
		case RoleAggregator:
			if roles.Aggregator != "" {
				return nil, errors.New("invalid config error, only one aggregator may be defined")
			}
			roles.Aggregator = p.Name
		case RoleKeyHolder:
			if roles.KeyHolder != "" {
				return nil, errors.New("invalid config error, only one key holder may be defined")
			}
			roles.KeyHolder = p.Name
		case RoleReceiver:
			if roles.Receiver != "" {
				return nil, errors.New("invalid config error, only one receiver may be defined")
			}
			roles.Receiver = p.Name
		default:
			return nil, fmt.Errorf("invalid config error, unknown player role %q", p.Role)
		}
	}
	if len(roles.Clients) == 0 {
		return nil, errors.New("missing config error, at least one client must be defined")
	}
	if roles.Aggregator == "" {
		return nil, errors.New("missing config error, an aggregator must be defined")
	}
	if roles.Receiver == "" {
		return nil, errors.New("missing config error, a receiver must be defined")
	}
	return roles, nil
}

// ParseConfig parses the configuration file of the aggregation service.
func ParseConfig(path string) (*AggregatorTypedConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var conf AggregatorConfig
	if err := v.Unmarshal(&conf); err != nil {
		return nil, err
	}
	SetDefaults(&conf)
	if conf.Protocol == "" {
		return nil, errors.New("missing config error, Protocol must be defined")
	}
	if len(conf.Players) == 0 {
		return nil, errors.New("missing config error, Players must be defined")
	}
	stateTimeout, err := time.ParseDuration(conf.StateTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid state timeout format: %v", err)
	}
	computationTimeout, err := time.ParseDuration(conf.ComputationTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid computation timeout format: %v", err)
	}
	routingTimeout, err := time.ParseDuration(conf.RoutingTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid routing timeout format: %v", err)
	}
	typed := &AggregatorTypedConfig{
		Port:               conf.Port,
		Protocol:           conf.Protocol,
		KeyBits:            conf.KeyBits,
		BusSize:            conf.BusSize,
		StateTimeout:       stateTimeout,
		ComputationTimeout: computationTimeout,
		RoutingTimeout:     routingTimeout,
		Players:            conf.Players,
		Measurement:        conf.AttestationConfig.Measurement,
	}
	if conf.ReceiverConfig.Host != "" {
		client, err := receiver.NewClient(url.URL{
			Scheme: conf.ReceiverConfig.Scheme,
			Host:   conf.ReceiverConfig.Host,
			Path:   conf.ReceiverConfig.Path,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid receiver config: %v", err)
		}
		typed.ReceiverClient = client
	}
	if conf.AttestationConfig.Host != "" {
		client, err := attestation.NewClient(url.URL{
			Scheme: conf.AttestationConfig.Scheme,
			Host:   conf.AttestationConfig.Host,
			Path:   conf.AttestationConfig.Path,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid attestation config: %v", err)
		}
		typed.AttestationClient = client
	}
	return typed, nil
}

// SetDefaults sets the default values for config properties if they are not set.
func SetDefaults(conf *AggregatorConfig) {
	if conf.Port == "" {
		conf.Port = DefaultPort
	}
	if conf.BusSize == 0 {
		conf.BusSize = DefaultBusSize
	}
	if conf.KeyBits == 0 {
		conf.KeyBits = protocol.DefaultPaillierKeyBits
	}
	if conf.StateTimeout == "" {
		conf.StateTimeout = DefaultStateTimeout
	}
	if conf.ComputationTimeout == "" {
		conf.ComputationTimeout = DefaultComputationTimeout
	}
	if conf.RoutingTimeout == "" {
		conf.RoutingTimeout = DefaultRoutingTimeout
	}
}
