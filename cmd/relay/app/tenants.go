/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package app

import (
	"context"
	"flag"

	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/utilities"
)

var (
	ErrUnknownTenant = errors.New("relay: unknown license key")

	tenantKeys []string
)

func init() {
	flag.Var(utilities.CommaValue{Value: &tenantKeys}, "tenants", "Comma separated license keys accepted by the HTTP ingress, empty accepts any key")
}

// TenantValidator decides whether a license key may submit work over HTTP.
type TenantValidator interface {
	Validate(ctx context.Context, key string) error
}

type allowList struct {
	keys map[string]struct{}
}

// NewTenantValidator accepts any non-empty key, or only the given keys when
// there are any.
func NewTenantValidator(keys ...string) TenantValidator {
	validator := allowList{keys: map[string]struct{}{}}
	for _, key := range keys {
		validator.keys[key] = struct{}{}
	}

	return validator
}

// TenantValidatorFromFlags builds the validator named by --tenants.
func TenantValidatorFromFlags() TenantValidator {
	return NewTenantValidator(tenantKeys...)
}

func (validator allowList) Validate(ctx context.Context, key string) error {
	if key == "" {
		return ErrUnknownTenant.Wrapf("license_key is required")
	}

	if len(validator.keys) == 0 {
		return nil
	}

	if _, found := validator.keys[key]; !found {
		return ErrUnknownTenant
	}

	return nil
}
