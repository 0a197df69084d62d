package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/heliodesk/heliodesk/internal/store"
)

const resolverCacheTTL = 10 * time.Minute

// CustomerSource is the subset of the store the resolver needs.
type CustomerSource interface {
	GetCustomer(ctx context.Context, id string) (store.Customer, error)
	FindCustomerByName(ctx context.Context, name string) (store.Customer, error)
}

// Resolver maps a raw customer reference (uuid or display name) onto a CRM
// account, with a redis cache in front of the database. A nil redis client
// disables caching.
type Resolver struct {
	Store CustomerSource
	Rdb   *redis.Client
}

// Resolve looks up a customer by id first, then by name. Cache entries are
// keyed on the lowered reference; a cache miss or redis failure falls through
// to the store.
func (r *Resolver) Resolve(ctx context.Context, ref string) (store.Customer, error) {
	ref = strings.TrimSpace(ref)
	key := "cust:ref:" + strings.ToLower(ref)

	if r.Rdb != nil {
		if raw, err := r.Rdb.Get(ctx, key).Bytes(); err == nil {
			var c store.Customer
			if json.Unmarshal(raw, &c) == nil && c.ID != "" {
				return c, nil
			}
		}
	}

	var c store.Customer
	var err error
	if _, parseErr := uuid.Parse(ref); parseErr == nil {
		c, err = r.Store.GetCustomer(ctx, ref)
	} else {
		c, err = r.Store.FindCustomerByName(ctx, ref)
	}
	if err != nil {
		return store.Customer{}, err
	}

	if r.Rdb != nil {
		if raw, marshalErr := json.Marshal(c); marshalErr == nil {
			r.Rdb.Set(ctx, key, raw, resolverCacheTTL)
		}
	}
	return c, nil
}

// Invalidate drops the cache entry for a reference after a CRM update.
func (r *Resolver) Invalidate(ctx context.Context, ref string) {
	if r.Rdb == nil {
		return
	}
	r.Rdb.Del(ctx, "cust:ref:"+strings.ToLower(strings.TrimSpace(ref)))
}
