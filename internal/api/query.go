package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"shrike/internal/store"
)

// reserved query keys that are not column filters
var reservedParams = map[string]bool{
	"limit":  true,
	"order":  true,
	"cursor": true,
	"expand": true,
}

// parseListOptions reads pagination, ordering and column filters from the
// query string. Filters use the field or field__op convention:
//
//	status__in=draft,booked
//	amount__gte=1000
//	name=alice            (bare key means eq)
//
// Column and type validation happens in the store against the live schema.
func parseListOptions(q url.Values) (store.ListOptions, error) {
	var opts store.ListOptions

	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("limit must be a non-negative integer")
		}
		opts.Limit = n
	}
	opts.Cursor = strings.TrimSpace(q.Get("cursor"))

	if raw := strings.TrimSpace(q.Get("order")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key := store.OrderKey{Column: part}
			if strings.HasPrefix(part, "-") {
				key = store.OrderKey{Column: part[1:], Desc: true}
			}
			opts.Order = append(opts.Order, key)
		}
	}

	for key, vals := range q {
		if reservedParams[key] || len(vals) == 0 {
			continue
		}
		field, op := key, "eq"
		if i := strings.LastIndex(key, "__"); i > 0 {
			field, op = key[:i], key[i+2:]
		}
		raw := []string{vals[0]}
		if op == "in" {
			raw = raw[:0]
			for _, p := range strings.Split(vals[0], ",") {
				if p = strings.TrimSpace(p); p != "" {
					raw = append(raw, p)
				}
			}
		}
		opts.Filters = append(opts.Filters, store.Filter{Column: field, Op: op, Raw: raw})
	}
	return opts, nil
}
