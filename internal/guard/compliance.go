package guard

import (
	"fmt"
	"time"
)

// DataType classifies stored or processed data for compliance checks.
type DataType string

const (
	DataVoiceRecording DataType = "voice_recording"
	DataTranscript     DataType = "transcript"
	DataAnalytics      DataType = "analytics"
	DataPII            DataType = "pii"
)

// ComplianceOp names a data-handling operation under review.
type ComplianceOp string

const (
	OpStore   ComplianceOp = "store"
	OpProcess ComplianceOp = "process"
	OpShare   ComplianceOp = "share"
	OpErase   ComplianceOp = "erase"
)

// ComplianceResult is the outcome of a compliance check.
type ComplianceResult struct {
	Compliant  bool
	Violations []string
}

// consentRequired lists the (op, dataType) pairs that require explicit user
// consent. Erasure never requires consent — it is always permitted.
var consentRequired = map[ComplianceOp][]DataType{
	OpStore:   {DataVoiceRecording, DataPII},
	OpProcess: {DataPII},
	OpShare:   {DataVoiceRecording, DataTranscript, DataAnalytics, DataPII},
}

// Compliance checks whether op on dataType is permitted given the user's
// consent state, and records the check in the audit trail.
func (g *Guard) Compliance(tenantID string, op ComplianceOp, dataType DataType, consent bool) ComplianceResult {
	res := ComplianceResult{Compliant: true}

	if op != OpErase {
		for _, dt := range consentRequired[op] {
			if dt == dataType && !consent {
				res.Compliant = false
				res.Violations = append(res.Violations,
					fmt.Sprintf("%s of %s requires user consent", op, dataType))
			}
		}
	}

	action := AuditComplianceCheck
	if op == OpErase {
		action = AuditRightToErasure
	}
	g.audit.Append(AuditEntry{
		Ts:       time.Now(),
		Action:   action,
		TenantID: tenantID,
		Details:  fmt.Sprintf("op=%s data_type=%s consent=%t compliant=%t", op, dataType, consent, res.Compliant),
	})

	return res
}
