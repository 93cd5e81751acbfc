// Package risk 本地参考风险分（100 = 最佳，越低风险越高）
//
// 生活方式部分参考 AHA Life's Essential 8（满分 60），
// 实时部分由脉率（15）、PRV/SDNN（20）与脉率稳定性（5）组成。
// 仅作为快速检测结束时的本地分数，权威分数来自远端分诊。
package risk

import (
	"math"
	"strconv"
	"strings"
)

// Baseline 问卷基线
type Baseline struct {
	BloodPressure  string `mapstructure:"blood_pressure" json:"bloodPressure"`   // "118/76"
	DiabetesStatus string `mapstructure:"diabetes_status" json:"diabetesStatus"` // no | unsure | yes
	SmokingStatus  string `mapstructure:"smoking_status" json:"smokingStatus"`   // never | former | active
	FamilyHistory  string `mapstructure:"family_history" json:"familyHistory"`   // no | unsure | yes
	ActivityLevel  string `mapstructure:"activity_level" json:"activityLevel"`   // 5+ | 3-4 | 1-2 | 0
}

// Metrics 一次检测的实时指标；NaN 表示缺失
type Metrics struct {
	PulseRate        float64
	SDNNMs           float64
	PulseRateHistory []float64
	IsExercising     bool
}

// Breakdown 实时部分明细
type Breakdown struct {
	PulseRate int `json:"pulseRate"`
	PRV       int `json:"prv"`
	Stability int `json:"stability"`
}

// Result 综合评分
type Result struct {
	Total     int       `json:"total"`
	Lifestyle int       `json:"lifestyle"`
	Realtime  int       `json:"realtime"`
	Breakdown Breakdown `json:"breakdown"`
	RiskLevel string    `json:"riskLevel"`
}

const (
	LevelLow      = "Low Risk"
	LevelModerate = "Moderate Risk"
	LevelHigh     = "High Risk"
)

// LifestyleScore 生活方式得分，上限 60
func LifestyleScore(b Baseline) int {
	score := 0

	if sys, dia, ok := parseBP(b.BloodPressure); !ok {
		score += 12 // 未知取中性值
	} else {
		switch {
		case sys < 120 && dia < 80:
			score += 25
		case sys < 130 && dia < 80:
			score += 18
		case sys < 140 || dia < 90:
			score += 10
		}
	}

	switch b.SmokingStatus {
	case "never":
		score += 15
	case "former":
		score += 9
	}

	switch b.DiabetesStatus {
	case "no":
		score += 10
	case "unsure":
		score += 6
	}

	switch b.FamilyHistory {
	case "no":
		score += 5
	case "unsure":
		score += 3
	default:
		score += 1
	}

	switch b.ActivityLevel {
	case "5+":
		score += 5
	case "3-4":
		score += 4
	case "1-2":
		score += 2
	}

	if score > 60 {
		score = 60
	}
	return score
}

// parseBP "收缩压/舒张压"，超出生理范围视为未知
func parseBP(s string) (int, int, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, 0, false
	}
	sys, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	dia, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	if sys < 50 || sys > 300 || dia < 30 || dia > 200 {
		return 0, 0, false
	}
	return sys, dia, true
}

// PulseRateScore 脉率得分（15）
func PulseRateScore(pulseRate float64, exercising bool) int {
	if !finite(pulseRate) {
		return 8
	}
	if exercising {
		return 10
	}
	switch {
	case pulseRate >= 55 && pulseRate <= 75:
		return 15
	case pulseRate > 75 && pulseRate <= 85:
		return 11
	case pulseRate > 85 && pulseRate <= 100:
		return 6
	case pulseRate > 100:
		return 0
	default:
		return 8 // 心动过缓
	}
}

// PRVScore SDNN 得分（20）；0 或缺失取中性值
func PRVScore(sdnn float64) int {
	if !finite(sdnn) || sdnn < 0 {
		return 10
	}
	switch {
	case sdnn >= 80:
		return 20
	case sdnn >= 50:
		return 16
	case sdnn >= 35:
		return 11
	case sdnn >= 20:
		return 6
	case sdnn > 0:
		return 0
	default:
		return 10
	}
}

// StabilityScore 脉率稳定性得分（5），少于 5 个有效样本取中性值
func StabilityScore(history []float64) int {
	clean := make([]float64, 0, len(history))
	for _, v := range history {
		if finite(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) < 5 {
		return 3
	}

	var sum float64
	for _, v := range clean {
		sum += v
	}
	mean := sum / float64(len(clean))
	var variance float64
	for _, v := range clean {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(clean)))

	switch {
	case std < 3:
		return 5
	case std < 6:
		return 4
	case std < 10:
		return 2
	default:
		return 0
	}
}

// Calculate 综合评分，结果限定在 [1, 100]
func Calculate(b Baseline, m Metrics) Result {
	lifestyle := LifestyleScore(b)
	bd := Breakdown{
		PulseRate: PulseRateScore(m.PulseRate, m.IsExercising),
		PRV:       PRVScore(m.SDNNMs),
		Stability: StabilityScore(m.PulseRateHistory),
	}
	realtime := bd.PulseRate + bd.PRV + bd.Stability

	total := lifestyle + realtime
	if total < 1 {
		total = 1
	}
	if total > 100 {
		total = 100
	}

	return Result{
		Total:     total,
		Lifestyle: lifestyle,
		Realtime:  realtime,
		Breakdown: bd,
		RiskLevel: Level(total),
	}
}

// Level 分数对应的风险等级
func Level(score int) string {
	switch {
	case score >= 70:
		return LevelLow
	case score >= 40:
		return LevelModerate
	default:
		return LevelHigh
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// StrokeRisk 换算为风险方向（越高越危险）的展示分，与远端 risk_score 同向
func (r Result) StrokeRisk() int {
	return 100 - r.Total
}
