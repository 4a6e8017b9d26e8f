/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/Juice-Labs/gpu-relay/cmd/internal/build"
	"github.com/Juice-Labs/gpu-relay/cmd/relay/app"
	"github.com/Juice-Labs/gpu-relay/internal/audit"
	auditgorm "github.com/Juice-Labs/gpu-relay/internal/audit/gorm"
	"github.com/Juice-Labs/gpu-relay/internal/keys"
	"github.com/Juice-Labs/gpu-relay/pkg/appmain"
	"github.com/Juice-Labs/gpu-relay/pkg/crypto"
	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
	"github.com/Juice-Labs/gpu-relay/pkg/middleware"
	"github.com/Juice-Labs/gpu-relay/pkg/server"
	"github.com/Juice-Labs/gpu-relay/pkg/storage"
	"github.com/Juice-Labs/gpu-relay/pkg/storage/memdb"
	redisstorage "github.com/Juice-Labs/gpu-relay/pkg/storage/redis"
	"github.com/Juice-Labs/gpu-relay/pkg/task"
)

var (
	address = flag.String("address", "0.0.0.0:8765", "The IP address and port to listen on")

	certFile     = flag.String("cert-file", "", "")
	keyFile      = flag.String("key-file", "", "")
	generateCert = flag.Bool("generate-cert", false, "Generates a certificate for https")
	disableTls   = flag.Bool("disable-tls", true, "")

	useMemdb      = flag.Bool("use-memdb", false, "Keeps shared state in process memory, only valid for a single node")
	redisAddress  = flag.String("redis-address", "localhost:6379", "Address of the shared Redis store, falls back to REDIS_ADDRESS")
	redisPassword = flag.String("redis-password", "", "Password of the shared Redis store, falls back to REDIS_PASSWORD")
	redisDb       = flag.Int("redis-db", 0, "Redis database number")

	auditDb = flag.String("audit-db", "", "Records presence events to sqlite:<dsn> or postgres:<dsn>")
)

func openStorage(ctx context.Context) (storage.Storage, error) {
	if *useMemdb {
		logger.Warning("using in-memory storage, connections on other nodes will not be visible")
		return memdb.OpenStorage(ctx)
	}

	options := &redis.Options{
		Addr:     *redisAddress,
		Password: *redisPassword,
		DB:       *redisDb,
	}

	if value := os.Getenv("REDIS_ADDRESS"); value != "" && !isFlagSet("redis-address") {
		options.Addr = value
	}

	if options.Password == "" {
		options.Password = os.Getenv("REDIS_PASSWORD")
	}

	return redisstorage.OpenStorage(ctx, options)
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		set = set || f.Name == name
	})

	return set
}

func tlsConfig() (*tls.Config, error) {
	if *disableTls {
		return nil, nil
	}

	var certificate tls.Certificate
	var err error
	if *certFile != "" && *keyFile != "" {
		certificate, err = crypto.LoadCertificate(*certFile, *keyFile)
	} else if *generateCert {
		certificate, err = crypto.GenerateCertificate()
	} else {
		err = errors.New("https is required, use both --cert-file and --key-file or --generate-cert")
	}

	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{certificate},
	}, nil
}

func openAudit(group task.Group) (audit.Recorder, error) {
	if *auditDb == "" {
		return audit.Nop(), nil
	}

	recorder, err := auditgorm.OpenRecorder(group.Ctx(), *auditDb)
	if err != nil {
		return nil, err
	}

	group.GoFn("Presence Audit", func(group task.Group) error {
		return errors.Join(recorder.Run(group), recorder.Close())
	})

	return recorder, nil
}

func run(group task.Group, store storage.Storage) error {
	tlsConfig, err := tlsConfig()
	if err != nil {
		return err
	}

	server, err := server.NewServer(*address, tlsConfig)
	if err != nil {
		return err
	}

	authenticate, err := middleware.EnsureValidToken()
	if err != nil {
		return err
	}

	recorder, err := openAudit(group)
	if err != nil {
		return err
	}

	relay := app.NewRelay(server, app.Config{
		Store:        store,
		Keys:         keys.FromFlags(),
		Tenants:      app.TenantValidatorFromFlags(),
		Audit:        recorder,
		Authenticate: authenticate,
		Registerer:   prometheus.DefaultRegisterer,
		Gatherer:     prometheus.DefaultGatherer,
	})

	if err := relay.Run(group); err != nil {
		return err
	}

	// The hub removes this node's records on the way out, so the store must
	// outlive it.
	group.GoFn("Storage Close", func(group task.Group) error {
		<-relay.Stopped()
		return store.Close()
	})

	return server.Run(group)
}

func main() {
	appmain.Run(appmain.Config{Name: "GPU Relay", Version: build.Version}, func(group task.Group) error {
		store, err := openStorage(group.Ctx())
		if err != nil {
			return err
		}

		if err := run(group, store); err != nil {
			return errors.Join(err, store.Close())
		}

		return nil
	})
}
