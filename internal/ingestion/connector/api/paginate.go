package api

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// pageState threads pagination across iterations of a single endpoint's
// cycle.
type pageState struct {
	offset int
	page   int
	cursor string
}

func newPageState() pageState {
	return pageState{page: 1}
}

// buildURL joins baseURL and path, serializing query params plus the
// pagination param for the current page.
func buildURL(ep Endpoint, state pageState) (string, error) {
	u, err := url.Parse(strings.TrimRight(ep.BaseURL, "/") + "/" + strings.TrimLeft(ep.Path, "/"))
	if err != nil {
		return "", fmt.Errorf("api: parse url: %w", err)
	}
	q := u.Query()
	for k, v := range ep.Query {
		q.Set(k, v)
	}
	switch ep.Pagination {
	case PaginationOffset:
		param := ep.PageParam
		if param == "" {
			param = "offset"
		}
		q.Set(param, strconv.Itoa(state.offset))
		q.Set("limit", strconv.Itoa(ep.Limit))
	case PaginationPage:
		param := ep.PageParam
		if param == "" {
			param = "page"
		}
		q.Set(param, strconv.Itoa(state.page))
		q.Set("limit", strconv.Itoa(ep.Limit))
	case PaginationCursor:
		if state.cursor != "" {
			param := ep.PageParam
			if param == "" {
				param = "cursor"
			}
			q.Set(param, state.cursor)
		}
		q.Set("limit", strconv.Itoa(ep.Limit))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// extractRecords pulls records from the first non-empty of data/items/
// results/raw body.
func extractRecords(body []byte) ([]map[string]interface{}, error) {
	for _, key := range []string{"data", "items", "results"} {
		res := gjson.GetBytes(body, key)
		if res.Exists() && res.IsArray() {
			return toMaps(res), nil
		}
	}
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("api: decode body: %w", err)
	}
	if arr, ok := raw.([]interface{}); ok {
		out := make([]map[string]interface{}, 0, len(arr))
		for _, item := range arr {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out, nil
	}
	if m, ok := raw.(map[string]interface{}); ok {
		return []map[string]interface{}{m}, nil
	}
	return nil, nil
}

func toMaps(res gjson.Result) []map[string]interface{} {
	var out []map[string]interface{}
	res.ForEach(func(_, v gjson.Result) bool {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(v.Raw), &m); err == nil {
			out = append(out, m)
		}
		return true
	})
	return out
}

// nextPage advances state and reports whether iteration should continue,
// per the stop conditions: empty cursor, short page, or MaxPages cap.
func nextPage(ep Endpoint, state pageState, body []byte, recordCount int, pageIndex int) (pageState, bool) {
	if pageIndex+1 >= ep.MaxPages {
		return state, false
	}
	if recordCount < ep.Limit {
		return state, false
	}
	switch ep.Pagination {
	case PaginationOffset:
		state.offset += ep.Limit
		return state, true
	case PaginationPage:
		state.page++
		return state, true
	case PaginationCursor:
		cursor := gjson.GetBytes(body, ep.CursorPath).String()
		if cursor == "" {
			return state, false
		}
		state.cursor = cursor
		return state, true
	default:
		return state, false
	}
}
