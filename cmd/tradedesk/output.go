package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// outputJSON writes v as indented JSON to stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// wantsJSON reports whether the command should print JSON. A --jq filter implies --json.
func wantsJSON(c *cli.Context) bool {
	return c.Bool("json") || len(c.StringSlice("jq")) > 0
}

// emit prints v as JSON, piped through the global --jq filters in order.
func emit(c *cli.Context, v interface{}) error {
	filters, err := compileJQ(c.StringSlice("jq"))
	if err != nil {
		return err
	}
	if len(filters) == 0 {
		return outputJSON(v)
	}
	return writeFiltered(os.Stdout, v, filters)
}

func writeFiltered(w io.Writer, v interface{}, filters []*gojq.Code) error {
	input, err := toJQValue(v)
	if err != nil {
		return err
	}

	values := []interface{}{input}
	for _, code := range filters {
		var next []interface{}
		for _, in := range values {
			iter := code.Run(in)
			for {
				out, ok := iter.Next()
				if !ok {
					break
				}
				if err, isErr := out.(error); isErr {
					return fmt.Errorf("jq filter failed: %w", err)
				}
				next = append(next, out)
			}
		}
		values = next
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	for _, out := range values {
		if s, ok := out.(string); ok {
			fmt.Fprintln(w, s)
			continue
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}

func compileJQ(filters []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

// matchesAll reports whether every filter evaluates to a truthy first result for v.
func matchesAll(v interface{}, filters []*gojq.Code) bool {
	input, err := toJQValue(v)
	if err != nil {
		return false
	}
	for _, code := range filters {
		iter := code.Run(input)
		out, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := out.(error); isErr {
			return false
		}
		if !isTruthy(out) {
			return false
		}
	}
	return true
}

// toJQValue converts v to the plain maps and slices gojq operates on.
func toJQValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return out, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// parseMetadata parses repeated key=value flags. Values that are valid JSON
// are kept as JSON; anything else is a string.
func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q: expected key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			meta[key] = parsed
		} else {
			meta[key] = value
		}
	}
	return meta, nil
}
