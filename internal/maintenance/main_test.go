package maintenance

import (
	"testing"

	"github.com/VladimirMikulic/bullmq/internal/bullinternaltest"
)

func TestMain(m *testing.M) {
	bullinternaltest.WrapTestMain(m)
}
