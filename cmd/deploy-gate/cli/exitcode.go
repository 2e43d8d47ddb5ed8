package cli

import "github.com/davarch/deploy-gate/internal/domain"

const (
	exitOK               = 0
	exitGeneric          = 1
	exitScanGateFailed   = 10
	exitPolicyGateFailed = 11
	exitStagingFailed    = 12
	exitApprovalDenied   = 13
	exitProductionFailed = 14
	exitRollbackFailed   = 15
	exitCancelled        = 16
)

func exitCodeFor(s domain.RunSnapshot) int {
	if s.Status == domain.RunSucceeded {
		return exitOK
	}
	switch s.Stage {
	case domain.StageScanGateFailed:
		return exitScanGateFailed
	case domain.StagePolicyGateFailed:
		return exitPolicyGateFailed
	case domain.StageStagingFailed:
		return exitStagingFailed
	case domain.StageApprovalDenied:
		return exitApprovalDenied
	case domain.StageProductionFailed:
		return exitProductionFailed
	case domain.StageRollbackFailed:
		return exitRollbackFailed
	case domain.StageCancelled:
		return exitCancelled
	}
	return exitGeneric
}
