package tensor

import "math"

type NaNInfo struct {
	Count     int
	Positions []int
	InfCount  int
}

func (n *NaNInfo) HasNaN() bool {
	return n.Count > 0
}

func (n *NaNInfo) IsValid() bool {
	return n.Count == 0 && n.InfCount == 0
}

// DetectNaN scans data for NaN and Inf, keeping up to maxPositions NaN indices.
func DetectNaN(data []float32, maxPositions int) *NaNInfo {
	info := &NaNInfo{}
	for i, v := range data {
		if math.IsNaN(float64(v)) {
			info.Count++
			if len(info.Positions) < maxPositions {
				info.Positions = append(info.Positions, i)
			}
		}
		if math.IsInf(float64(v), 0) {
			info.InfCount++
		}
	}
	return info
}

func CheckNumericalStability(data []float32) (nanCount, infCount int) {
	info := DetectNaN(data, 0)
	return info.Count, info.InfCount
}
