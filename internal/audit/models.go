package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Transition names the engine transition an entry records
type Transition string

const (
	TransitionCampaignCreated    Transition = "CAMPAIGN_CREATED"
	TransitionCampaignPublished  Transition = "CAMPAIGN_PUBLISHED"
	TransitionDonationRecorded   Transition = "DONATION_RECORDED"
	TransitionDonationSimulated  Transition = "DONATION_SIMULATED"
	TransitionVerificationQueued Transition = "VERIFICATION_REQUESTED"
	TransitionMilestoneApproved  Transition = "MILESTONE_APPROVED"
	TransitionMilestoneRejected  Transition = "MILESTONE_REJECTED"
	TransitionAutoVerified       Transition = "MILESTONE_AUTO_VERIFIED"
	TransitionReleaseUpdated     Transition = "RELEASE_UPDATED"
	TransitionDriftDetected      Transition = "DRIFT_DETECTED"
	TransitionAmountResynced     Transition = "AMOUNT_RESYNCED"
	TransitionCampaignRedeployed Transition = "CAMPAIGN_REDEPLOYED"
)

// Entry logs one mutation of the mirror, or one drift detection
type Entry struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Transition Transition     `gorm:"not null;index" json:"transition"`
	Actor      string         `gorm:"not null" json:"actor"`
	CampaignID string         `gorm:"not null;index" json:"campaign_id"`
	RequestID  string         `gorm:"index" json:"request_id,omitempty"`
	Details    datatypes.JSON `json:"details"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TableName sets the audit table name
func (Entry) TableName() string {
	return "escrow_audit_log"
}

// NewEntry builds an entry with details marshalled to JSON
func NewEntry(transition Transition, actor, campaignID string, details map[string]interface{}) Entry {
	raw, err := json.Marshal(details)
	if err != nil || details == nil {
		raw = []byte("{}")
	}
	return Entry{
		ID:         uuid.New(),
		Transition: transition,
		Actor:      actor,
		CampaignID: campaignID,
		Details:    datatypes.JSON(raw),
		CreatedAt:  time.Now(),
	}
}

// ForRequest sets the request id of an entry
func (e Entry) ForRequest(requestID string) Entry {
	e.RequestID = requestID
	return e
}
