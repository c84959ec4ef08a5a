/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package rangingstats

import "github.com/prometheus/client_golang/prometheus"

// anchorInfo pairs a Desc with a supplier reading AnchorSample, the
// focus-anchor counterpart to generated_metrics.go's countInfo. These
// gauges relabel onto whichever anchor logAnchorDistance is currently
// tracking rather than one series per anchor, so they are hand-written:
// there's no per-anchor struct field for the generator to walk.
type anchorInfo struct {
	description *prometheus.Desc
	supplier    func(s AnchorSample) prometheus.Metric
}

func newAnchorGauge(name, help string, value func(s AnchorSample) float64) anchorInfo {
	desc := prometheus.NewDesc(name, help, []string{"anchor_id"}, nil)
	return anchorInfo{
		description: desc,
		supplier: func(s AnchorSample) prometheus.Metric {
			return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value(s), anchorIDLabel(s.AnchorID))
		},
	}
}

var anchorGaugeMetrics = []anchorInfo{
	newAnchorGauge("tdoa_focus_anchor_clock_correction", "Clock correction factor of the current focus anchor.",
		func(s AnchorSample) float64 { return s.ClockCorrection }),
	newAnchorGauge("tdoa_focus_anchor_tof_ticks", "Anchor-to-anchor time-of-flight (radio ticks) of the current focus anchor's peer.",
		func(s AnchorSample) float64 { return s.TofTicks }),
	newAnchorGauge("tdoa_focus_anchor_tdoa_ticks", "Raw TDoA tick count of the current focus anchor's last emission.",
		func(s AnchorSample) float64 { return s.TdoaTicks }),
	newAnchorGauge("tdoa_focus_anchor_distance_diff_metres", "Distance-difference measurement of the current focus anchor's last emission.",
		func(s AnchorSample) float64 { return s.DistanceDiff }),
}

func anchorIDLabel(id uint8) string {
	const hex = "0123456789abcdef"
	return string([]byte{hex[id>>4], hex[id&0xf]})
}
