package owners

import "time"

// LeadOwner is a CRM user eligible to own leads. Only active owners
// participate in round-robin assignment. Upserted from CRM resync.
type LeadOwner struct {
	CRMUserID string    `json:"crm_user_id" db:"crm_user_id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Role      string    `json:"role,omitempty" db:"role"`
	Active    bool      `json:"active" db:"active"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AssignmentState is the process-wide round-robin cursor: an ordered snapshot
// of active owner ids plus the index of the last-assigned owner. It is a
// single versioned row mutated only via compare-and-set, so fairness survives
// restarts and concurrent workers.
type AssignmentState struct {
	OwnerIDs  []string  `json:"owner_ids"`
	LastIndex int       `json:"last_index"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
