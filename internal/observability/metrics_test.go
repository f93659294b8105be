package observability

import (
	"testing"
	"time"

	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("router-a", "GET", "/routes", 200, 12*time.Millisecond)
	RecordForward("NoError", 3*time.Millisecond)
	RecordRouteEvent(EventRouteRegister, 1)
	RecordRetryAttempt("retry")
	RecordClientWrite("TargetPortNotFound", false, time.Millisecond)

	log.Info().Msg("observability/metrics: registration idempotent and recording paths executed")
}
