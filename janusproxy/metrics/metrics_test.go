package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_RegistersWithoutPanicking(t *testing.T) {
	assert.NotPanics(t, func() {
		m := New("janusproxy_test")
		m.SessionsCreated.Add(context.Background(), 1)
		m.RecordPluginError(context.Background(), 450)
	})
}
