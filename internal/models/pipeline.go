package models

import (
	"fmt"
	"time"
)

// DownloaderTask selects the download routine and its fan-out rule.
type DownloaderTask string

const (
	TaskTranscriptomeIndex DownloaderTask = "TRANSCRIPTOME_INDEX"
	TaskSRA                DownloaderTask = "SRA"
	TaskArrayExpress       DownloaderTask = "ARRAY_EXPRESS"
	TaskGEO                DownloaderTask = "GEO"
)

// Pipeline identifies the processor a ProcessorJob runs.
type Pipeline string

const (
	PipelineTranscriptomeIndexLong  Pipeline = "TRANSCRIPTOME_INDEX_LONG"
	PipelineTranscriptomeIndexShort Pipeline = "TRANSCRIPTOME_INDEX_SHORT"
	PipelineSalmon                  Pipeline = "SALMON"
	PipelineAffyToPCL               Pipeline = "AFFY_TO_PCL"
	PipelineNoOp                    Pipeline = "NO_OP"
)

// Variant describes one processor job created after a download succeeds.
type Variant struct {
	Name      string
	Pipeline  Pipeline
	RAMAmount int
	// Derived variants get their own copy of every downloaded file.
	Derived bool
}

// FanOutRule lists the variants a downloader task produces. At most one
// variant is primary (not derived); it owns the files the download writes.
type FanOutRule struct {
	Task     DownloaderTask
	Variants []Variant
}

// Primary returns the variant that owns the downloaded files.
func (r FanOutRule) Primary() Variant {
	for _, v := range r.Variants {
		if !v.Derived {
			return v
		}
	}
	return Variant{}
}

// DirSuffix is appended to the dataset directory for v, or "" when the rule
// has a single variant.
func (r FanOutRule) DirSuffix(v Variant) string {
	if len(r.Variants) < 2 || v.Name == "" {
		return ""
	}
	return "_" + v.Name
}

var fanOutRules = map[DownloaderTask]FanOutRule{
	TaskTranscriptomeIndex: {
		Task: TaskTranscriptomeIndex,
		Variants: []Variant{
			{Name: "long", Pipeline: PipelineTranscriptomeIndexLong, RAMAmount: 4096},
			{Name: "short", Pipeline: PipelineTranscriptomeIndexShort, RAMAmount: 4096, Derived: true},
		},
	},
	TaskSRA: {
		Task:     TaskSRA,
		Variants: []Variant{{Pipeline: PipelineSalmon, RAMAmount: 8192}},
	},
	TaskArrayExpress: {
		Task:     TaskArrayExpress,
		Variants: []Variant{{Pipeline: PipelineAffyToPCL, RAMAmount: 2048}},
	},
	TaskGEO: {
		Task:     TaskGEO,
		Variants: []Variant{{Pipeline: PipelineNoOp, RAMAmount: 2048}},
	},
}

// FanOutRuleFor returns the hand-coded rule for task.
func FanOutRuleFor(task DownloaderTask) (FanOutRule, error) {
	rule, ok := fanOutRules[task]
	if !ok {
		return FanOutRule{}, fmt.Errorf("no fan-out rule for downloader task %q", task)
	}
	return rule, nil
}

// Pipelines with run times longer than the processor default.
var pipelineMaxRunTime = map[Pipeline]time.Duration{
	PipelineTranscriptomeIndexLong:  12 * time.Hour,
	PipelineTranscriptomeIndexShort: 12 * time.Hour,
}

// Downloader tasks with run times longer than the downloader default.
var taskMaxRunTime = map[DownloaderTask]time.Duration{
	TaskTranscriptomeIndex: 12 * time.Hour,
}

// MaxRunTime returns the pipeline's limit, falling back to def.
func (p Pipeline) MaxRunTime(def time.Duration) time.Duration {
	if d, ok := pipelineMaxRunTime[p]; ok {
		return d
	}
	return def
}

// MaxRunTime returns the task's limit, falling back to def.
func (t DownloaderTask) MaxRunTime(def time.Duration) time.Duration {
	if d, ok := taskMaxRunTime[t]; ok {
		return d
	}
	return def
}

// JobDefinitionName maps a task or pipeline plus RAM tier to the queue's job
// definition, e.g. "prefix_SALMON_8192".
func JobDefinitionName(prefix, jobType string, ram int) string {
	return fmt.Sprintf("%s%s_%d", prefix, jobType, ram)
}

// JobName is the name a submission carries on the queue.
func JobName(prefix, jobType, id string, ram int) string {
	return fmt.Sprintf("%s%s_%s_%d", prefix, jobType, id, ram)
}

// ShortestMaxRunTime is the smallest run-time limit any job of kind can have
// given the default def. Timeout scans use it as their cutoff.
func ShortestMaxRunTime(kind JobKind, def time.Duration) time.Duration {
	shortest := def
	switch kind {
	case KindDownloader:
		for _, d := range taskMaxRunTime {
			if d < shortest {
				shortest = d
			}
		}
	case KindProcessor:
		for _, d := range pipelineMaxRunTime {
			if d < shortest {
				shortest = d
			}
		}
	}
	return shortest
}
