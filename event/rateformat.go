package event

import "strconv"

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseRate(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
