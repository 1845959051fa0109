package soar

import (
	"fmt"
	"regexp"
	"strings"

	"warden/core"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// templateContext is what step parameters can refer to
type templateContext struct {
	incident   *core.Incident
	run        *core.PlaybookRun
	indicators core.IndicatorSet
	// outputs holds earlier step outputs by step name
	outputs map[string]map[string]string
}

func (tc *templateContext) resolve(path string) (string, error) {
	parts := strings.SplitN(path, ".", 3)
	switch parts[0] {
	case "incident":
		if len(parts) == 2 {
			switch parts[1] {
			case "id":
				return tc.incident.ID, nil
			case "severity":
				return string(tc.incident.Severity), nil
			case "status":
				return string(tc.incident.Status), nil
			}
		}
	case "run":
		if len(parts) == 2 && parts[1] == "id" {
			return tc.run.ID, nil
		}
	case "playbook":
		if len(parts) == 1 {
			return tc.run.Playbook, nil
		}
	case "indicators":
		if len(parts) == 1 {
			return strings.Join(tc.indicators.Keys(), ","), nil
		}
	case "indicator":
		if len(parts) == 2 {
			var values []string
			for _, ind := range tc.indicators.Filter(core.IndicatorKind(parts[1])) {
				values = append(values, ind.Value)
			}
			if len(values) == 0 {
				return "", fmt.Errorf("%w: run has no %s indicator", ErrInvalidParams, parts[1])
			}
			return strings.Join(values, ","), nil
		}
	case "steps":
		if len(parts) == 3 {
			out, ok := tc.outputs[parts[1]]
			if !ok {
				return "", fmt.Errorf("%w: step %q has not produced output", ErrInvalidParams, parts[1])
			}
			v, ok := out[parts[2]]
			if !ok {
				return "", fmt.Errorf("%w: step %q has no output %q", ErrInvalidParams, parts[1], parts[2])
			}
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: unknown placeholder {{%s}}", ErrInvalidParams, path)
}

// render substitutes placeholders in every parameter value
func (tc *templateContext) render(params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for k, v := range params {
		var firstErr error
		rendered := placeholderRe.ReplaceAllStringFunc(v, func(match string) string {
			path := placeholderRe.FindStringSubmatch(match)[1]
			value, err := tc.resolve(path)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			return value
		})
		if firstErr != nil {
			return nil, fmt.Errorf("param %s: %w", k, firstErr)
		}
		out[k] = rendered
	}
	return out, nil
}

// checkTemplates rejects placeholders that can never resolve
func checkTemplates(params map[string]string) error {
	for k, v := range params {
		for _, m := range placeholderRe.FindAllStringSubmatch(v, -1) {
			if !knownPlaceholder(m[1]) {
				return fmt.Errorf("param %s: unknown placeholder {{%s}}", k, m[1])
			}
		}
	}
	return nil
}

func knownPlaceholder(path string) bool {
	parts := strings.SplitN(path, ".", 3)
	switch parts[0] {
	case "incident":
		return len(parts) == 2 && (parts[1] == "id" || parts[1] == "severity" || parts[1] == "status")
	case "run":
		return len(parts) == 2 && parts[1] == "id"
	case "playbook", "indicators":
		return len(parts) == 1
	case "indicator":
		return len(parts) == 2 && core.IndicatorKind(parts[1]).IsValid()
	case "steps":
		return len(parts) == 3
	}
	return false
}
