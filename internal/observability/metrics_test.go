package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediamill/internal/task"
	"mediamill/internal/taskerr"
)

type fakeSlots struct{ used, capacity int }

func (f fakeSlots) SlotStats() (int, int) { return f.used, f.capacity }

func TestMetricsExposition(t *testing.T) {
	registry := task.NewRegistry(nil)
	registry.Create(task.FamilyDownload, nil)
	m := New(registry, nil, fakeSlots{used: 1, capacity: 2}, nil)

	m.AdmissionRejected.Inc()
	m.TaskCreated(task.FamilyDownload)
	m.TaskFinished(task.Record{Family: task.FamilyDownload, Status: task.StatusCompleted})
	m.TaskFinished(task.Record{
		Family: task.FamilyComposition,
		Status: task.StatusFailed,
		Error:  &task.ErrorInfo{Kind: taskerr.KindTimeout},
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `mediamill_tasks_created_total{family="download"} 1`)
	assert.Contains(t, body, `mediamill_tasks_completed_total{family="download"} 1`)
	assert.Contains(t, body, `mediamill_tasks_failed_total{family="composition",kind="timeout"} 1`)
	assert.Contains(t, body, `mediamill_tasks_active 1`)
	assert.Contains(t, body, `mediamill_tool_slots_used 1`)
	assert.Contains(t, body, `mediamill_admission_rejected_total 1`)
}

func TestSeparateRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		New(nil, nil, nil, nil)
		New(nil, nil, nil, nil)
	})
}
