package statemachine

import (
	"fmt"
)

// Stage 计划生成流水线的阶段
type Stage string

const (
	StageIntroduction      Stage = "introduction"
	StageExercise          Stage = "exercise"
	StageDiet              Stage = "diet"
	StageNutritionTips     Stage = "nutritionTips"
	StageMentalWellbeing   Stage = "mentalWellbeing"
	StageProgressTracking  Stage = "progressTracking"
	StageRecoveryRest      Stage = "recoveryRest"
	StageSafetyPrecautions Stage = "safetyPrecautions"
	StageTerminal          Stage = "terminal"
)

// stageOrder 顶层阶段的线性顺序
var stageOrder = []Stage{
	StageIntroduction,
	StageExercise,
	StageDiet,
	StageNutritionTips,
	StageMentalWellbeing,
	StageProgressTracking,
	StageRecoveryRest,
	StageSafetyPrecautions,
	StageTerminal,
}

// nextStage 由 stageOrder 生成的后继表
var nextStage = func() map[Stage]Stage {
	m := make(map[Stage]Stage, len(stageOrder))
	for i := 0; i < len(stageOrder)-1; i++ {
		m[stageOrder[i]] = stageOrder[i+1]
	}
	m[StageTerminal] = StageTerminal
	return m
}()

// weeklyStages 先输出一次概览，再按周迭代的阶段
var weeklyStages = map[Stage]bool{
	StageExercise: true,
	StageDiet:     true,
}

// IsWeekly 判断阶段是否包含概览 + 按周子阶段
func (s Stage) IsWeekly() bool {
	return weeklyStages[s]
}

// Valid 判断是否为已知阶段
func (s Stage) Valid() bool {
	_, ok := nextStage[s]
	return ok
}

// Cursor 流水线游标：当前阶段、周序号（1..timeframe）以及概览是否已输出
type Cursor struct {
	Stage      Stage `json:"stage"`
	Week       int   `json:"week"`
	IntroGiven bool  `json:"intro_given"`
}

// InitialCursor 返回初始状态 introduction / week=1 / introGiven=false
func InitialCursor() Cursor {
	return Cursor{Stage: StageIntroduction, Week: 1}
}

// Done 是否已到达终止态
func (c Cursor) Done() bool {
	return c.Stage == StageTerminal
}

// Next 计算下一个游标
// 按周阶段：概览 -> 第 1 周 ... 第 timeframe 周 -> 下一顶层阶段（week 重置为 1，introGiven 重置）
func (c Cursor) Next(timeframe int) Cursor {
	if c.Done() {
		return c
	}
	if c.Stage.IsWeekly() {
		if !c.IntroGiven {
			return Cursor{Stage: c.Stage, Week: 1, IntroGiven: true}
		}
		if c.Week < timeframe {
			return Cursor{Stage: c.Stage, Week: c.Week + 1, IntroGiven: true}
		}
	}
	return Cursor{Stage: nextStage[c.Stage], Week: 1}
}

// Label 返回便于日志与事件使用的子阶段名，如 exercise-overview、diet-week2
func (c Cursor) Label() string {
	if !c.Stage.IsWeekly() {
		return string(c.Stage)
	}
	if !c.IntroGiven {
		return fmt.Sprintf("%s-overview", c.Stage)
	}
	return fmt.Sprintf("%s-week%d", c.Stage, c.Week)
}

// Validate 校验从持久化恢复的游标
func (c Cursor) Validate(timeframe int) error {
	if !c.Stage.Valid() {
		return fmt.Errorf("unknown stage: %q", c.Stage)
	}
	if c.Week < 1 || (timeframe > 0 && c.Week > timeframe) {
		return fmt.Errorf("week %d out of range 1..%d", c.Week, timeframe)
	}
	return nil
}

// TotalCalls 给定周期下整条流水线需要的 LLM 调用次数
func TotalCalls(timeframe int) int {
	total := 0
	for c := InitialCursor(); !c.Done(); c = c.Next(timeframe) {
		total++
	}
	return total
}
