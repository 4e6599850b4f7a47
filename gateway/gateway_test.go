package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/autopay/attempt"
)

func TestStatusMapFailsClosed(t *testing.T) {
	tests := []struct {
		raw  string
		want attempt.Status
	}{
		{"succeeded", attempt.StatusSuccess},
		{"SUCCEEDED", attempt.StatusSuccess},
		{" paid ", attempt.StatusSuccess},
		{"processing", attempt.StatusPending},
		{"declined", attempt.StatusFail},
		{"canceled", attempt.StatusCancel},
		{"", attempt.StatusGatewayError},
		{"weird_new_status", attempt.StatusGatewayError},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultStatusMap.Map(tt.raw))
		})
	}
}

func TestStatusMapMerge(t *testing.T) {
	m := DefaultStatusMap.Merge(StatusMap{"PARTIAL_CANCELED": attempt.StatusCancel, "paid": attempt.StatusPending})

	assert.Equal(t, attempt.StatusCancel, m.Map("partial_canceled"))
	assert.Equal(t, attempt.StatusPending, m.Map("paid"))
	assert.Equal(t, attempt.StatusSuccess, DefaultStatusMap.Map("paid"), "merge does not mutate the receiver")
}

func TestStatusMapMergeNormalisesKeys(t *testing.T) {
	m := StatusMap{}.Merge(StatusMap{"DONE": attempt.StatusSuccess, " Queued ": attempt.StatusPending})

	assert.Equal(t, StatusMap{"done": attempt.StatusSuccess, "queued": attempt.StatusPending}, m)
	assert.Equal(t, attempt.StatusSuccess, m.Map("done"))
	assert.Equal(t, attempt.StatusPending, m.Map("QUEUED"))
}
