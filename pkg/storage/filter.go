package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Query carries the filter grammar used by list endpoints and services.
// Filter keys are entity field names, optionally suffixed with a comparison
// operator: __ne, __lt, __le, __gt, __ge, __match (case-insensitive regex)
// or __in (membership). A bare field name means equality.
type Query struct {
	Filters  map[string]interface{}
	SortBy   string
	OrderBy  string
	Page     int
	PageSize int
}

// PagedResult is one page of a filtered listing.
type PagedResult[T any] struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	Total    int  `json:"total"`
	Items    []*T `json:"items"`
}

var filterOperators = map[string]bool{
	"ne":    true,
	"lt":    true,
	"le":    true,
	"gt":    true,
	"ge":    true,
	"match": true,
	"in":    true,
}

// splitFilterKey separates a filter key into field and operator.
func splitFilterKey(key string) (field, op string) {
	idx := strings.LastIndex(key, "__")
	if idx < 0 {
		return key, "eq"
	}
	suffix := key[idx+2:]
	if filterOperators[suffix] {
		return key[:idx], suffix
	}
	return key, "eq"
}

// applyQuery filters, sorts and returns all matching items. Items are
// matched against their JSON representation so the grammar sees the same
// field names and enum spellings the API does.
func applyQuery[T any](items []*T, q Query) ([]*T, error) {
	type row[U any] struct {
		item   *U
		fields map[string]interface{}
	}

	matched := make([]row[T], 0, len(items))
	for _, item := range items {
		m, err := toMap(item)
		if err != nil {
			return nil, err
		}
		ok, err := matches(m, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, row[T]{item: item, fields: m})
		}
	}

	if q.SortBy != "" {
		if len(matched) > 0 {
			if _, exists := matched[0].fields[q.SortBy]; !exists {
				return nil, fmt.Errorf("unknown sort field %q", q.SortBy)
			}
		}
		descending := strings.EqualFold(q.OrderBy, "desc")
		sort.SliceStable(matched, func(i, j int) bool {
			c := compareValues(matched[i].fields[q.SortBy], matched[j].fields[q.SortBy])
			if descending {
				return c > 0
			}
			return c < 0
		})
	}

	result := make([]*T, len(matched))
	for i, r := range matched {
		result[i] = r.item
	}
	return result, nil
}

// paginate slices items into the requested page. Page numbers start at 1;
// anything lower is treated as page 1.
func paginate[T any](items []*T, page, pageSize int) *PagedResult[T] {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = len(items)
		if pageSize == 0 {
			pageSize = 1
		}
	}

	start := (page - 1) * pageSize
	if start > len(items) {
		start = len(items)
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}

	return &PagedResult[T]{
		Page:     page,
		PageSize: pageSize,
		Total:    len(items),
		Items:    items[start:end],
	}
}

func toMap(item interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func matches(entity map[string]interface{}, filters map[string]interface{}) (bool, error) {
	for key, want := range filters {
		field, op := splitFilterKey(key)
		got, exists := entity[field]
		if !exists {
			return false, fmt.Errorf("unknown filter field %q", field)
		}

		ok, err := matchField(got, want, op)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchField(got, want interface{}, op string) (bool, error) {
	switch op {
	case "eq":
		return equalValues(got, want), nil
	case "ne":
		return !equalValues(got, want), nil
	case "lt", "le", "gt", "ge":
		if got == nil || want == nil {
			return false, nil
		}
		c := compareValues(got, want)
		switch op {
		case "lt":
			return c < 0, nil
		case "le":
			return c <= 0, nil
		case "gt":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "match":
		if got == nil {
			return false, nil
		}
		pattern, ok := want.(string)
		if !ok {
			return false, fmt.Errorf("match filter requires a string pattern, got %T", want)
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return false, fmt.Errorf("invalid match pattern %q: %w", pattern, err)
		}
		return re.MatchString(fmt.Sprintf("%v", got)), nil
	case "in":
		for _, candidate := range membershipValues(want) {
			if equalValues(got, candidate) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown filter operator %q", op)
}

func membershipValues(want interface{}) []interface{} {
	switch v := want.(type) {
	case []interface{}:
		return v
	case []string:
		values := make([]interface{}, len(v))
		for i, s := range v {
			values[i] = s
		}
		return values
	case string:
		parts := strings.Split(v, ",")
		values := make([]interface{}, len(parts))
		for i, p := range parts {
			values[i] = strings.TrimSpace(p)
		}
		return values
	default:
		return []interface{}{want}
	}
}

func equalValues(got, want interface{}) bool {
	if got == nil || want == nil {
		return got == nil && (want == nil || want == "")
	}
	if gf, gok := toFloat(got); gok {
		if wf, wok := toFloat(want); wok {
			return gf == wf
		}
	}
	if gb, gok := got.(bool); gok {
		if wb, wok := toBool(want); wok {
			return gb == wb
		}
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
}

// compareValues orders two field values. Numbers compare numerically,
// everything else lexically. RFC 3339 timestamps order correctly as
// strings because the store renders them in a fixed UTC layout.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}
