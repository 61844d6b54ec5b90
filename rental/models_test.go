package rental

import "testing"

func TestParties_Counterparty(t *testing.T) {
	p := Parties{RentalID: "r1", ToolID: "t1", RenterID: "renter", OwnerID: "owner"}

	cases := []struct {
		user string
		want string
		ok   bool
	}{
		{"renter", "owner", true},
		{"owner", "renter", true},
		{"stranger", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := p.Counterparty(tc.user)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Counterparty(%q) = (%q, %v), want (%q, %v)", tc.user, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParties_IsParticipant(t *testing.T) {
	p := Parties{RenterID: "renter", OwnerID: "owner"}
	if !p.IsParticipant("renter") || !p.IsParticipant("owner") {
		t.Fatal("renter and owner must be participants")
	}
	if p.IsParticipant("admin") {
		t.Fatal("unrelated user must not be a participant")
	}
	if (Parties{}).IsParticipant("") {
		t.Fatal("empty user must never match empty parties")
	}
	if !p.IsRenter("renter") || p.IsRenter("owner") {
		t.Fatal("IsRenter mismatch")
	}
}
