package cli

import (
	"testing"

	"github.com/davarch/deploy-gate/internal/domain"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		status domain.RunStatus
		stage  domain.Stage
		want   int
	}{
		{domain.RunSucceeded, domain.StageSucceeded, exitOK},
		{domain.RunFailed, domain.StageResolveFailed, exitGeneric},
		{domain.RunFailed, domain.StageScanGateFailed, exitScanGateFailed},
		{domain.RunFailed, domain.StagePolicyGateFailed, exitPolicyGateFailed},
		{domain.RunFailed, domain.StageStagingFailed, exitStagingFailed},
		{domain.RunFailed, domain.StageApprovalDenied, exitApprovalDenied},
		{domain.RunRolledBack, domain.StageProductionFailed, exitProductionFailed},
		{domain.RunFailed, domain.StageRollbackFailed, exitRollbackFailed},
		{domain.RunFailed, domain.StageCancelled, exitCancelled},
	}
	for _, tt := range tests {
		got := exitCodeFor(domain.RunSnapshot{Status: tt.status, Stage: tt.stage})
		if got != tt.want {
			t.Errorf("%s/%s: got %d want %d", tt.status, tt.stage, got, tt.want)
		}
	}
}
