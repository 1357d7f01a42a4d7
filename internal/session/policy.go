package session

// Rejection reasons recorded in SESSION_END details.
const (
	ReasonLeftGroupInstance = "LEFT_GROUP_INSTANCE"
	ReasonGroupNotAllowed   = "GROUP_NOT_ALLOWED"
	ReasonChangedInstance   = "CHANGED_INSTANCE"
)

// Policy decides which instances are logged. The zero value logs every
// group instance.
type Policy struct {
	allowed map[string]bool
}

// NewPolicy builds a policy from an allow-list of group ids. A nil or
// empty list leaves logging unrestricted.
func NewPolicy(allowedGroupIDs []string) Policy {
	if len(allowedGroupIDs) == 0 {
		return Policy{}
	}
	p := Policy{allowed: make(map[string]bool, len(allowedGroupIDs))}
	for _, id := range allowedGroupIDs {
		if id != "" {
			p.allowed[id] = true
		}
	}
	return p
}

// Check returns "" when an instance owned by groupID should be logged and
// the rejection reason otherwise. Instances without a group are never
// logged.
func (p Policy) Check(groupID string) string {
	if groupID == "" {
		return ReasonLeftGroupInstance
	}
	if p.allowed != nil && !p.allowed[groupID] {
		return ReasonGroupNotAllowed
	}
	return ""
}

// Unrestricted reports whether every group instance is logged.
func (p Policy) Unrestricted() bool {
	return p.allowed == nil
}
