package service

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
)

const dateLayout = "2006-01-02"

// CoerceParams validates raw against the query's parameter schema and returns
// a map holding every declared parameter, coerced to its declared type. Absent
// optional parameters are bound as nil.
func CoerceParams(def models.QueryDefinition, raw map[string]interface{}) (map[string]interface{}, error) {
	var unknown []string
	for name := range raw {
		if _, ok := def.Param(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown parameters for %s: %s", def.Name, strings.Join(unknown, ", ")))
	}

	out := make(map[string]interface{}, len(def.Params))
	for _, spec := range def.Params {
		value, present := raw[spec.Name]
		if !present || isBlank(value) {
			if spec.Required {
				return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("parameter %s is required", spec.Name))
			}
			out[spec.Name] = nil
			continue
		}
		coerced, err := coerce(spec.Type, value)
		if err != nil {
			return nil, appErrors.WrapAs(appErrors.ErrValidation, err, fmt.Sprintf("parameter %s must be of type %s", spec.Name, spec.Type))
		}
		out[spec.Name] = coerced
	}
	return out, nil
}

func isBlank(value interface{}) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func coerce(kind models.ParamType, value interface{}) (interface{}, error) {
	switch kind {
	case models.ParamString:
		switch value.(type) {
		case map[string]interface{}, []interface{}:
			return nil, fmt.Errorf("unexpected %T", value)
		}
		return cast.ToStringE(value)
	case models.ParamInt:
		return coerceInt(value)
	case models.ParamFloat:
		if n, ok := value.(json.Number); ok {
			return n.Float64()
		}
		if _, ok := value.(bool); ok {
			return nil, fmt.Errorf("unexpected bool")
		}
		return cast.ToFloat64E(value)
	case models.ParamBool:
		return cast.ToBoolE(value)
	case models.ParamDate:
		return coerceDate(value)
	case models.ParamUUID:
		s, err := cast.ToStringE(value)
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", kind)
	}
}

func coerceInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case bool:
		return 0, fmt.Errorf("unexpected bool")
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case float32:
		if float64(v) != math.Trunc(float64(v)) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return cast.ToInt64E(value)
	}
}

func coerceDate(value interface{}) (string, error) {
	switch v := value.(type) {
	case time.Time:
		return v.Format(dateLayout), nil
	case string:
		s := strings.TrimSpace(v)
		if t, err := time.Parse(dateLayout, s); err == nil {
			return t.Format(dateLayout), nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return "", fmt.Errorf("%q is not a date (YYYY-MM-DD)", v)
		}
		return t.Format(dateLayout), nil
	default:
		return "", fmt.Errorf("unexpected %T", value)
	}
}
