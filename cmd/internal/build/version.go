/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package build

// Version is stamped at link time:
//
//	go build -ldflags "-X github.com/Juice-Labs/gpu-relay/cmd/internal/build.Version=1.4.0" ./cmd/relay
var Version = "0.0.0-dev"
