package haywatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const ContentTypeJson = "application/json"
const ContentTypeTextGrid = "text/grid"

// FetchVal posts the args and decodes the response value by content
// type: a structured-value JSON grid or dict, the text grid wire
// format, or raw text as a fallback. A non-2xx status is a
// *StatusError; a structurally valid response that encodes a failure
// is a *GridError. Both are distinguishable from transport failures.
func FetchVal(ctx context.Context, fetch FetchFunction, url string, args Dict) (any, error) {
	resp, err := fetchRaw(ctx, fetch, url, args)
	if err != nil {
		return nil, err
	}

	val, err := decodeVal(resp.contentType, resp.body)
	if err != nil {
		return nil, err
	}
	if grid, ok := val.(*Grid); ok {
		if gridErr := grid.Err(); gridErr != nil {
			return nil, gridErr
		}
	}
	return val, nil
}

// FetchGrid is FetchVal narrowed to a grid response.
func FetchGrid(ctx context.Context, fetch FetchFunction, url string, args Dict) (*Grid, error) {
	val, err := FetchVal(ctx, fetch, url, args)
	if err != nil {
		return nil, err
	}
	grid, ok := val.(*Grid)
	if !ok {
		return nil, fmt.Errorf("expected a grid from %s, decoded %T", url, val)
	}
	return grid, nil
}

// FetchAllGrids demultiplexes a response containing several
// sequentially encoded grids. The caller must request at least one.
func FetchAllGrids(ctx context.Context, fetch FetchFunction, url string, args Dict, n int) ([]*Grid, error) {
	if n < 1 {
		return nil, fmt.Errorf("must request at least one grid: %d", n)
	}

	resp, err := fetchRaw(ctx, fetch, url, args)
	if err != nil {
		return nil, err
	}

	var grids []*Grid
	switch mediaType(resp.contentType) {
	case ContentTypeJson:
		grids, err = decodeJsonGrids(resp.body)
	case ContentTypeTextGrid:
		grids, err = decodeTextGrids(string(resp.body))
	default:
		return nil, fmt.Errorf("cannot demultiplex grids from %s", resp.contentType)
	}
	if err != nil {
		return nil, err
	}
	if len(grids) < n {
		return nil, fmt.Errorf("requested %d grids from %s, decoded %d", n, url, len(grids))
	}
	for _, grid := range grids {
		if gridErr := grid.Err(); gridErr != nil {
			return nil, gridErr
		}
	}
	return grids, nil
}

type rawResponse struct {
	contentType string
	body        []byte
}

func fetchRaw(ctx context.Context, fetch FetchFunction, url string, args Dict) (*rawResponse, error) {
	var body io.Reader
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentTypeJson)
	req.Header.Set("Accept", fmt.Sprintf("%s, %s", ContentTypeJson, ContentTypeTextGrid))

	resp, err := fetch(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		// the response body is the error message
		return nil, &StatusError{
			Status: resp.StatusCode,
			Url:    url,
			Body:   strings.TrimSpace(string(data)),
		}
	}

	return &rawResponse{
		contentType: resp.Header.Get("Content-Type"),
		body:        data,
	}, nil
}

func mediaType(contentType string) string {
	if i := strings.Index(contentType, ";"); 0 <= i {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}

func decodeVal(contentType string, data []byte) (any, error) {
	switch mediaType(contentType) {
	case ContentTypeJson:
		return decodeJsonVal(data)
	case ContentTypeTextGrid:
		grids, err := decodeTextGrids(string(data))
		if err != nil {
			return nil, err
		}
		if len(grids) == 0 {
			return nil, fmt.Errorf("empty text grid response")
		}
		return grids[0], nil
	default:
		// raw text fallback
		return string(data), nil
	}
}

// JSON encoding of values:
//
//	{"_kind":"grid","meta":{...},"cols":[{"name":"id"},...],"rows":[{...},...]}
//
// objects without a grid kind decode as dicts, everything else as the
// plain decoded value.
func decodeJsonVal(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return convertJsonVal(raw), nil
}

func convertJsonVal(raw any) any {
	obj, ok := raw.(map[string]any)
	if !ok {
		return raw
	}
	if kind, ok := obj["_kind"].(string); ok && kind == "grid" {
		return convertJsonGrid(obj)
	}
	return Dict(obj)
}

func convertJsonGrid(obj map[string]any) *Grid {
	grid := &Grid{
		Meta: Dict{},
		Cols: []string{},
		Rows: []Dict{},
	}
	if meta, ok := obj["meta"].(map[string]any); ok {
		grid.Meta = Dict(meta)
	}
	if cols, ok := obj["cols"].([]any); ok {
		for _, col := range cols {
			if colObj, ok := col.(map[string]any); ok {
				if name, ok := colObj["name"].(string); ok {
					grid.Cols = append(grid.Cols, name)
				}
			}
		}
	}
	if rows, ok := obj["rows"].([]any); ok {
		for _, row := range rows {
			if rowObj, ok := row.(map[string]any); ok {
				grid.Rows = append(grid.Rows, Dict(rowObj))
			}
		}
	}
	return grid
}

func decodeJsonGrids(data []byte) ([]*Grid, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch v := raw.(type) {
	case []any:
		grids := []*Grid{}
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("grid %d is not an object", i)
			}
			grids = append(grids, convertJsonGrid(obj))
		}
		return grids, nil
	case map[string]any:
		return []*Grid{convertJsonGrid(v)}, nil
	default:
		return nil, fmt.Errorf("cannot decode grids from %T", raw)
	}
}

// Text grid wire format. One grid is:
//
//	ver:"1.0" dis:"optional display" err
//	id,curVal
//	["a",1]
//	["b",2]
//
// The meta line holds space-separated markers and name:value pairs
// with JSON-encoded values. A bare `err` marker makes the grid a
// domain error. Grids are separated by a blank line.
func decodeTextGrids(data string) ([]*Grid, error) {
	grids := []*Grid{}
	blocks := strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n\n")
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		grid, err := decodeTextGrid(block)
		if err != nil {
			return nil, err
		}
		grids = append(grids, grid)
	}
	return grids, nil
}

func decodeTextGrid(block string) (*Grid, error) {
	lines := strings.Split(block, "\n")

	meta, err := decodeMetaLine(lines[0])
	if err != nil {
		return nil, err
	}
	grid := &Grid{
		Meta: meta,
		Cols: []string{},
		Rows: []Dict{},
	}
	if len(lines) < 2 {
		return grid, nil
	}

	for _, name := range strings.Split(lines[1], ",") {
		grid.Cols = append(grid.Cols, strings.TrimSpace(name))
	}

	for _, line := range lines[2:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var cells []any
		if err := json.Unmarshal([]byte(line), &cells); err != nil {
			return nil, fmt.Errorf("bad grid row %q: %w", line, err)
		}
		if len(cells) != len(grid.Cols) {
			return nil, fmt.Errorf("grid row has %d cells for %d cols", len(cells), len(grid.Cols))
		}
		row := Dict{}
		for i, cell := range cells {
			if cell == nil {
				continue
			}
			row[grid.Cols[i]] = cell
		}
		grid.Rows = append(grid.Rows, row)
	}
	return grid, nil
}

func decodeMetaLine(line string) (Dict, error) {
	meta := Dict{}
	for _, token := range splitMetaTokens(line) {
		name, value, ok := strings.Cut(token, ":")
		if !ok {
			// bare marker
			meta[token] = true
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			return nil, fmt.Errorf("bad meta value %q: %w", token, err)
		}
		meta[name] = decoded
	}
	return meta, nil
}

// splits on spaces outside of double quotes
func splitMetaTokens(line string) []string {
	tokens := []string{}
	var current strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ' ' && !inQuotes:
			if 0 < current.Len() {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if 0 < current.Len() {
		tokens = append(tokens, current.String())
	}
	return tokens
}
