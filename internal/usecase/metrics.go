package usecase

import "time"

// Metrics はユースケースが記録する計測値のインターフェース。
type Metrics interface {
	RecordOperation(operation, result string, duration time.Duration)
	RecordAuditWriteFailure()
	RecordKeysSwept(n int)
	RecordCacheLookup(hit bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordOperation(string, string, time.Duration) {}
func (nopMetrics) RecordAuditWriteFailure()                      {}
func (nopMetrics) RecordKeysSwept(int)                           {}
func (nopMetrics) RecordCacheLookup(bool)                        {}
