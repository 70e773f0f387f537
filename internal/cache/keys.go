package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/intentstack/intent-engine/internal/models"
)

// Keys builds versioned cache keys. Every tenant has a version counter;
// bumping it orphans all of the tenant's existing entries at once, so
// invalidation never needs a key-pattern scan. Orphaned entries age out via
// their TTL.
type Keys struct {
	provider Provider
}

// NewKeys wraps a provider with the versioned key scheme.
func NewKeys(provider Provider) *Keys {
	return &Keys{provider: provider}
}

func tenantVersionKey(tenant models.TenantID) string {
	return "tenantver:" + string(tenant)
}

// Fulfillment returns the versioned key for an intent's fulfillment
// summary.
func (k *Keys) Fulfillment(ctx context.Context, tenant models.TenantID, intent models.IntentID) (string, error) {
	version, err := k.currentVersion(ctx, tenant)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("fulfillment:%s:v%d:%s", tenant, version, intent), nil
}

// InvalidateTenant bumps the tenant's version counter, orphaning every key
// built with the previous version.
func (k *Keys) InvalidateTenant(ctx context.Context, tenant models.TenantID) error {
	_, err := k.provider.Incr(ctx, tenantVersionKey(tenant))
	return err
}

// currentVersion reads the tenant counter without bumping it. A missing
// counter means version 0: keys from before the first invalidation.
func (k *Keys) currentVersion(ctx context.Context, tenant models.TenantID) (int64, error) {
	data, err := k.provider.Get(ctx, tenantVersionKey(tenant))
	if err == ErrCacheMiss {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	version, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt tenant version %q: %w", data, err)
	}
	return version, nil
}
