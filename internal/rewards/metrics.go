package rewards

import "github.com/mbd888/lootcore/internal/metrics"

func observeOpen(containerID, result string) {
	metrics.OpensTotal.WithLabelValues(containerID, result).Inc()
}

func observeSettle(action string, err error, duplicate bool, credited int64) {
	result := "ok"
	switch {
	case err != nil:
		if f := Failure(err); f != nil {
			result = f.Code
		} else {
			result = "error"
		}
	case duplicate:
		result = "duplicate"
	}
	metrics.SettlementsTotal.WithLabelValues(action, result).Inc()
	if err == nil && !duplicate && credited > 0 {
		metrics.CoinsCreditedTotal.WithLabelValues(action).Add(float64(credited))
	}
}
