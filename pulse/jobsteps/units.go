package jobsteps

import (
	"math"

	"github.com/teranos/hubjobs/pulse/dataset"
)

const (
	gib = 1 << 30

	// Throughput and capacity observed for exports on the hub databases
	maxExportACUs        = 70.0
	exportBytesPerSecond = 57 << 20
	exportBaseSeconds    = 10

	partitionBytes = 512 << 20
	maxPartitions  = 256

	// ThreadCount bounds the tasks of one tasked step in flight at once
	ThreadCount = 8

	// TaskMaxAttempts bounds attempts of a single export task
	TaskMaxAttempts = 3
)

// ExportACUs is the database load of exporting bytes: one ACU per 4 GiB, at most 70
func ExportACUs(bytes int64) float64 {
	return math.Min(maxExportACUs, float64(bytes)/gib/2/2)
}

// ExportSeconds estimates the duration of exporting bytes
func ExportSeconds(bytes int64) int {
	return exportBaseSeconds + int(bytes/exportBytesPerSecond)
}

// PartitionCount is the number of files an export of bytes is split into
func PartitionCount(settings dataset.FileSettings, bytes int64) int {
	if settings.Partitioning == dataset.PartitionNone {
		return 1
	}
	if settings.Partitions > 0 {
		return min(settings.Partitions, maxPartitions)
	}
	n := int((bytes + partitionBytes - 1) / partitionBytes)
	return max(1, min(n, maxPartitions))
}
