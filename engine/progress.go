package engine

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	StageAcquire   = "acquire"
	StageExtract   = "extract"
	StageAnalyze   = "analyze"
	StageBuildTree = "build_tree"
)

// ProgressTracker reports scan progress one stage at a time. A nil tracker
// ignores every call.
type ProgressTracker struct {
	mutex     sync.Mutex
	stages    map[string]*StageProgress
	order     []string
	completed int
	startTime time.Time
	output    io.Writer
	scanID    string
	now       func() time.Time
}

// StageProgress represents progress for a single scan stage
type StageProgress struct {
	Name      string        `json:"name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Duration  time.Duration `json:"duration"`
	Status    StageStatus   `json:"status"`
	Items     int           `json:"items"`
	Error     string        `json:"error,omitempty"`
}

type StageStatus string

const (
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

func NewProgressTracker(scanID string, output io.Writer) *ProgressTracker {
	return &ProgressTracker{
		stages:    make(map[string]*StageProgress),
		startTime: time.Now(),
		output:    output,
		scanID:    scanID,
		now:       time.Now,
	}
}

func (p *ProgressTracker) StartStage(name string) {
	if p == nil {
		return
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, exists := p.stages[name]; !exists {
		p.order = append(p.order, name)
	}
	p.stages[name] = &StageProgress{
		Name:      name,
		StartTime: p.now(),
		Status:    StageStatusRunning,
	}
	p.printf("[%d/%d] %s...\n", len(p.order), len(p.order)+p.remaining(name), name)
}

// CompleteStage ends a stage. items is what the stage produced: files
// extracted, packages found, nodes in the tree.
func (p *ProgressTracker) CompleteStage(name string, items int, err error) {
	if p == nil {
		return
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stage, exists := p.stages[name]
	if !exists {
		return
	}
	end := p.now()
	stage.EndTime = &end
	stage.Duration = end.Sub(stage.StartTime)
	stage.Items = items

	if err != nil {
		stage.Status = StageStatusFailed
		stage.Error = err.Error()
		p.printf("  %s failed after %s: %s\n", name, stage.Duration.Round(time.Millisecond), stage.Error)
		return
	}
	stage.Status = StageStatusCompleted
	p.completed++
	p.printf("  %s done in %s (%d)\n", name, stage.Duration.Round(time.Millisecond), items)
}

// Stages returns a copy of every stage started so far, in start order
func (p *ProgressTracker) Stages() []StageProgress {
	if p == nil {
		return nil
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()

	out := make([]StageProgress, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, *p.stages[name])
	}
	return out
}

func (p *ProgressTracker) Finish(success bool) {
	if p == nil {
		return
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()

	duration := p.now().Sub(p.startTime).Round(time.Millisecond)
	if success {
		p.printf("Scan %s completed in %s (%d stages)\n", p.scanID, duration, p.completed)
	} else {
		p.printf("Scan %s failed after %s\n", p.scanID, duration)
	}
}

// remaining counts the standard stages not yet started, for the [n/total] prefix
func (p *ProgressTracker) remaining(current string) int {
	n := 0
	for _, name := range []string{StageAcquire, StageExtract, StageAnalyze, StageBuildTree} {
		if _, started := p.stages[name]; !started && name != current {
			n++
		}
	}
	return n
}

// printf must be called with the mutex held
func (p *ProgressTracker) printf(format string, args ...interface{}) {
	if p.output != nil {
		fmt.Fprintf(p.output, format, args...)
	}
}
