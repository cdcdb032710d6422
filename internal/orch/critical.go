package orch

import (
	"sync"

	"go.uber.org/zap"
)

// CriticalReporter receives alarms about objects whose state can no longer
// be trusted.
type CriticalReporter interface {
	ReportCritical(object string, err error)
}

// CriticalLog logs critical alarms and remembers the affected objects.
type CriticalLog struct {
	mu      sync.Mutex
	objects []string
	log     *zap.SugaredLogger
}

// NewCriticalLog constructs a new CriticalLog.
func NewCriticalLog(log *zap.SugaredLogger) *CriticalLog {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CriticalLog{log: log}
}

// ReportCritical implements CriticalReporter.
func (m *CriticalLog) ReportCritical(object string, err error) {
	m.mu.Lock()
	m.objects = append(m.objects, object)
	m.mu.Unlock()

	m.log.Errorw("CRITICAL: object state is inconsistent with hardware",
		zap.String("object", object),
		zap.Error(err),
	)
}

// Objects returns every object reported so far.
func (m *CriticalLog) Objects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.objects))
	copy(out, m.objects)
	return out
}
