package rental

// Parties captures the two participants of a rental.
type Parties struct {
	RentalID string
	ToolID   string
	RenterID string
	OwnerID  string
}

// IsParticipant reports whether userID is the renter or the tool owner.
func (p Parties) IsParticipant(userID string) bool {
	return userID != "" && (userID == p.RenterID || userID == p.OwnerID)
}

// Counterparty returns the other participant for userID.
func (p Parties) Counterparty(userID string) (string, bool) {
	switch userID {
	case "":
		return "", false
	case p.RenterID:
		return p.OwnerID, true
	case p.OwnerID:
		return p.RenterID, true
	default:
		return "", false
	}
}

// IsRenter reports whether userID rented the tool.
func (p Parties) IsRenter(userID string) bool {
	return userID != "" && userID == p.RenterID
}
