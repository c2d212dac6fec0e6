package kvmem

import (
	"context"
	"testing"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/kvdriver"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvdrivertest"
)

func TestDriver(t *testing.T) {
	t.Parallel()

	kvdrivertest.Exercise(context.Background(), t, func(t *testing.T, timeGenerator bulltype.TimeGenerator) kvdriver.Driver {
		t.Helper()
		return New(&Config{TimeGenerator: timeGenerator})
	})
}
