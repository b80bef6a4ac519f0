package mathtools

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
)

var statisticsMeasures = []string{"mean", "median", "mode", "standard deviation", "variance", "range"}

// ParseNumbers accepts comma or whitespace separated values.
func ParseNumbers(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, errors.New("no numbers given")
	}
	return out, nil
}

// Statistics computes one measure, or a summary of all of them when measure
// is empty. Standard deviation and variance are population statistics.
func Statistics(numbers []float64, measure string) (string, error) {
	data := stats.Float64Data(numbers)
	measure = strings.ToLower(strings.TrimSpace(measure))

	if measure != "" {
		v, err := measureOf(data, measure)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %s", measure, v), nil
	}

	parts := make([]string, 0, len(statisticsMeasures))
	for _, m := range statisticsMeasures {
		v, err := measureOf(data, m)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("%s = %s", m, v))
	}
	return strings.Join(parts, ", "), nil
}

func measureOf(data stats.Float64Data, measure string) (string, error) {
	var (
		v   float64
		err error
	)
	switch measure {
	case "mean", "average":
		v, err = stats.Mean(data)
	case "median":
		v, err = stats.Median(data)
	case "mode":
		modes, err := stats.Mode(data)
		if err != nil {
			return "", err
		}
		if len(modes) == 0 {
			return "none", nil
		}
		out := make([]string, len(modes))
		for i, m := range modes {
			out[i] = formatFloat(m)
		}
		return strings.Join(out, ", "), nil
	case "standard deviation", "std", "stddev":
		v, err = stats.StandardDeviationPopulation(data)
	case "variance":
		v, err = stats.PopulationVariance(data)
	case "range":
		var lo, hi float64
		if lo, err = stats.Min(data); err == nil {
			hi, err = stats.Max(data)
		}
		v = hi - lo
	case "sum":
		v, err = stats.Sum(data)
	default:
		return "", fmt.Errorf("unknown measure %q", measure)
	}
	if err != nil {
		return "", err
	}
	return formatFloat(v), nil
}
